package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/google/uuid"
	"github.com/s3rat/s3rat/pkg/internal/testoutput"
	"gotest.tools/assert"
)

const identityJSON = `{
  "accountId" : "123456789012",
  "availabilityZone" : "us-west-2a",
  "imageId" : "ami-0abcdef1234567890",
  "instanceId" : "i-0123456789abcdef0",
  "instanceType" : "t3.micro",
  "privateIp" : "10.0.0.12",
  "region" : "us-west-2"
}`

func testMetadata(t *testing.T, handler http.Handler) *ec2metadata.EC2Metadata {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	sess := session.Must(session.NewSession(&aws.Config{
		Region:      aws.String("us-west-2"),
		Credentials: credentials.AnonymousCredentials,
		MaxRetries:  aws.Int(0),
	}))
	return ec2metadata.New(sess, &aws.Config{Endpoint: aws.String(srv.URL)})
}

func TestGatherFromInstanceMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/latest/api/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Aws-Ec2-Metadata-Token-Ttl-Seconds", "21600")
		w.Write([]byte("token"))
	})
	mux.HandleFunc("/latest/dynamic/instance-identity/document", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(identityJSON))
	})

	doc := Gather(context.Background(), testMetadata(t, mux), testoutput.Logger(t, "identity"))
	assert.Equal(t, doc.InstanceID, "i-0123456789abcdef0")
	assert.Equal(t, doc.PrivateIP, "10.0.0.12")
	assert.Equal(t, doc.Region, "us-west-2")
	assert.Equal(t, doc.AccountID, "123456789012")
	assert.Equal(t, doc.Error, "")
	_, err := uuid.Parse(doc.ServerID)
	assert.NilError(t, err)
}

func TestGatherWithoutInstanceMetadata(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	})

	doc := Gather(context.Background(), testMetadata(t, mux), testoutput.Logger(t, "identity"))
	assert.Equal(t, doc.InstanceID, "")
	assert.Assert(t, doc.Error != "")
	assert.Assert(t, doc.ServerID != "")
}

func TestGatherLocalOnly(t *testing.T) {
	doc := Gather(context.Background(), nil, testoutput.Logger(t, "identity"))
	assert.Equal(t, doc.Error, "")
	assert.Assert(t, !doc.Started.IsZero())
}

func TestRoundTrip(t *testing.T) {
	doc := Gather(context.Background(), nil, testoutput.Logger(t, "identity"))
	doc.SessionID = "abc123"
	body, err := doc.Marshal()
	assert.NilError(t, err)

	parsed, err := Parse(body)
	assert.NilError(t, err)
	assert.Equal(t, parsed.ServerID, doc.ServerID)
	assert.Equal(t, parsed.SessionID, "abc123")
	assert.Assert(t, parsed.Started.Equal(doc.Started))
}
