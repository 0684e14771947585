package logfields

import (
	"testing"

	"github.com/s3rat/s3rat/pkg/session"
	"gotest.tools/assert"
)

func TestSession(t *testing.T) {
	fields := Session(&session.Session{Bucket: "rat-bucket", ID: "abc123", Prefix: "2026/10/19/090000Z_abc123"})
	assert.Equal(t, fields["bucket"], "rat-bucket")
	assert.Equal(t, fields["session"], "abc123")
	assert.Equal(t, fields["prefix"], "2026/10/19/090000Z_abc123")
}
