package policytemplate

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalog_Render(t *testing.T) {
	tests := []struct {
		name     string
		template string
		buckets  []string
		want     Document
		wantErr  error
	}{
		{
			name:     "read only",
			template: ReadOnly,
			buckets:  []string{"logs"},
			want: Document{
				Version: "2012-10-17",
				Statement: []Statement{{
					Sid:      "JitAccess",
					Effect:   "Allow",
					Action:   []string{"s3:GetBucketLocation", "s3:GetObject", "s3:GetObjectVersion", "s3:ListBucket"},
					Resource: []string{"arn:aws:s3:::logs", "arn:aws:s3:::logs/*"},
				}},
			},
		},
		{
			name:     "full access",
			template: FullAccess,
			buckets:  []string{"a", "b"},
			want: Document{
				Version: "2012-10-17",
				Statement: []Statement{{
					Sid:      "JitAccess",
					Effect:   "Allow",
					Action:   []string{"s3:*"},
					Resource: []string{"arn:aws:s3:::a", "arn:aws:s3:::a/*", "arn:aws:s3:::b", "arn:aws:s3:::b/*"},
				}},
			},
		},
		{
			name:     "unknown",
			template: "admin",
			buckets:  []string{"logs"},
			wantErr:  ErrUnknownTemplate,
		},
		{
			name:     "no buckets",
			template: ReadOnly,
			wantErr:  ErrNoResources,
		},
	}
	c := NewCatalog()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Render(tt.template, tt.buckets, "123456789012")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDocument_JSON(t *testing.T) {
	doc, err := NewCatalog().Render(FullAccess, []string{"logs"}, "")
	require.NoError(t, err)

	got, err := doc.JSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Version":"2012-10-17","Statement":[{"Sid":"JitAccess","Effect":"Allow","Action":["s3:*"],"Resource":["arn:aws:s3:::logs","arn:aws:s3:::logs/*"]}]}`, got)
}

func TestCatalog_Extra(t *testing.T) {
	c := NewCatalog(Template{Name: "write-only", Actions: []string{"s3:PutObject"}})
	assert.Equal(t, []string{"full-access", "read-only", "write-only"}, c.Names())
	assert.True(t, c.Has("write-only"))
}

func TestCatalog_ConcurrentRender(t *testing.T) {
	c := NewCatalog()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := c.Render(ReadOnly, []string{"logs"}, "")
			assert.NoError(t, err)
			// mutating the result must not leak into the catalog
			doc.Statement[0].Action[0] = "s3:DeleteObject"
		}()
	}
	wg.Wait()

	doc, err := c.Render(ReadOnly, []string{"logs"}, "")
	require.NoError(t, err)
	assert.Equal(t, "s3:GetBucketLocation", doc.Statement[0].Action[0])
}
