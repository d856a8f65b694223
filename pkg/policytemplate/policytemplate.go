// Package policytemplate renders IAM policy documents from named templates.
package policytemplate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const (
	ReadOnly   = "read-only"
	FullAccess = "full-access"

	policyVersion = "2012-10-17"
)

var (
	ErrUnknownTemplate = errors.New("unknown policy template")
	ErrNoResources     = errors.New("at least one resource is required")
)

// Document is an IAM policy document.
type Document struct {
	Version   string      `json:"Version"`
	Statement []Statement `json:"Statement"`
}

type Statement struct {
	Sid      string   `json:"Sid,omitempty"`
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

// JSON returns the document in the form accepted by the IAM API.
func (d Document) JSON() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Template builds the statements for a set of resources.
type Template struct {
	Name        string
	Description string
	Actions     []string
}

// Catalog is an immutable set of templates, safe for concurrent use.
type Catalog struct {
	templates map[string]Template
}

// NewCatalog returns a catalog holding the built-in templates plus any extras.
// An extra template with a built-in name replaces the built-in.
func NewCatalog(extra ...Template) *Catalog {
	c := &Catalog{templates: map[string]Template{}}
	for _, t := range builtins() {
		c.templates[t.Name] = t
	}
	for _, t := range extra {
		c.templates[t.Name] = t
	}
	return c
}

func builtins() []Template {
	return []Template{
		{
			Name:        ReadOnly,
			Description: "List and read objects in the buckets",
			Actions: []string{
				"s3:GetBucketLocation",
				"s3:GetObject",
				"s3:GetObjectVersion",
				"s3:ListBucket",
			},
		},
		{
			Name:        FullAccess,
			Description: "All S3 actions on the buckets and their objects",
			Actions:     []string{"s3:*"},
		},
	}
}

// Names returns the registered template names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.templates))
	for n := range c.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the template is registered.
func (c *Catalog) Has(name string) bool {
	_, ok := c.templates[name]
	return ok
}

// Render builds the policy document for the template scoped to the buckets.
//
// accountID is accepted so that templates can be scoped per account in future; S3
// bucket ARNs are global and do not include it.
func (c *Catalog) Render(name string, buckets []string, accountID string) (Document, error) {
	t, ok := c.templates[name]
	if !ok {
		return Document{}, fmt.Errorf("%w: %q", ErrUnknownTemplate, name)
	}
	if len(buckets) == 0 {
		return Document{}, ErrNoResources
	}

	resources := make([]string, 0, len(buckets)*2)
	for _, b := range buckets {
		resources = append(resources, BucketARN(b), BucketARN(b)+"/*")
	}

	actions := make([]string, len(t.Actions))
	copy(actions, t.Actions)

	return Document{
		Version: policyVersion,
		Statement: []Statement{
			{
				Sid:      "JitAccess",
				Effect:   "Allow",
				Action:   actions,
				Resource: resources,
			},
		},
	}, nil
}

// BucketARN returns the ARN of an S3 bucket.
func BucketARN(bucket string) string {
	return "arn:aws:s3:::" + bucket
}
