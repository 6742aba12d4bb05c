package s3blob

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", fmt.Errorf("get: %w", &types.NoSuchKey{}), true},
		{"not found", &types.NotFound{}, true},
		{"bare 404", fmt.Errorf("op: %w", statusErr(404)), true},
		{"403", statusErr(403), false},
		{"other", errors.New("dial tcp: timeout"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestObjectKey(t *testing.T) {
	assert.Equal(t, "backups/alice/x.json", objectKey("/backups/alice/x.json"))
	assert.Equal(t, "reports/", objectKey("reports/"))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "http://minio:9000", endpointURL("minio:9000", false))
	assert.Equal(t, "https://minio:9000", endpointURL("minio:9000", true))
	assert.Equal(t, "http://r2.example", endpointURL("http://r2.example", true))
}
