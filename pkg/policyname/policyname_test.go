package policyname

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name  string
		attrs Attributes
		want  string
	}{
		{
			name: "ok",
			attrs: Attributes{
				Purpose:                 "s3",
				AccountID:               "123456789012",
				TemplateOrPermissionSet: "read-only",
				Resources:               []string{"logs"},
				Requester:               "a@x.com",
			},
			want: "jit_s3_123456789012_read-only_logs_a_at_x_dot_com",
		},
		{
			name: "multiple resources",
			attrs: Attributes{
				Purpose:                 "s3",
				AccountID:               "123456789012",
				TemplateOrPermissionSet: "full-access",
				Resources:               []string{"logs", "my.bucket"},
				Requester:               "first.last@example.com",
			},
			want: "jit_s3_123456789012_full-access_logs_my_dot_bucket_first_dot_last_at_example_dot_com",
		},
		{
			name: "sso permission set",
			attrs: Attributes{
				Purpose:                 "sso",
				AccountID:               "123456789012",
				TemplateOrPermissionSet: "AdministratorAccess",
				Requester:               "a@x.com",
			},
			want: "jit_sso_123456789012_AdministratorAccess__a_at_x_dot_com",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Generate(tt.attrs)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Generate(tt.attrs))
		})
	}
}

func TestGenerate_Truncates(t *testing.T) {
	long := Attributes{
		Purpose:                 "s3",
		AccountID:               "123456789012",
		TemplateOrPermissionSet: "read-only",
		Resources:               []string{strings.Repeat("bucket", 30)},
		Requester:               "a@x.com",
	}
	got := Generate(long)
	assert.Len(t, got, MaxLength)
	assert.True(t, strings.HasPrefix(got, "jit_s3_123456789012_read-only_bucket"))

	// distinct inputs sharing a long prefix collide without hashing
	other := long
	other.Requester = "b@x.com"
	assert.Equal(t, got, Generate(other))

	g := Generator{HashOnTruncate: true}
	hashed := g.Generate(long)
	assert.Len(t, hashed, MaxLength)
	assert.Equal(t, hashed, g.Generate(long))
	assert.NotEqual(t, hashed, g.Generate(other))
}

func TestGenerate_HashOnTruncateLeavesShortNamesAlone(t *testing.T) {
	a := Attributes{Purpose: "s3", AccountID: "1", TemplateOrPermissionSet: "read-only", Resources: []string{"logs"}, Requester: "a@x.com"}
	assert.Equal(t, Generate(a), Generator{HashOnTruncate: true}.Generate(a))
}

func TestMatchName(t *testing.T) {
	a := Attributes{Purpose: "s3", AccountID: "123456789012", TemplateOrPermissionSet: "read-only", Resources: []string{"logs"}, Requester: "a@x.com"}
	assert.Equal(t, Exact, MatchName(Generate(a), "s3", "a@x.com"))
	assert.Equal(t, NoMatch, MatchName(Generate(a), "s3", "b@x.com"))
	assert.Equal(t, NoMatch, MatchName(Generate(a), "sso", "a@x.com"))
	assert.Equal(t, NoMatch, MatchName("some-other-policy", "s3", "a@x.com"))

	a.Resources = []string{strings.Repeat("bucket", 30)}
	long := Generate(a)
	assert.Equal(t, Truncated, MatchName(long, "s3", "a@x.com"))
	// the requester is gone from a truncated name, so any requester is a candidate
	assert.Equal(t, Truncated, MatchName(long, "s3", "b@x.com"))
	assert.Equal(t, NoMatch, MatchName(long, "sso", "a@x.com"))
}
