// Package identity describes the host a server runs on so that operators
// can tell sessions apart.
package identity

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/google/uuid"
	"github.com/s3rat/s3rat/pkg/logging"
)

// Document is published as the session's server identity object.
type Document struct {
	ServerID  string    `json:"serverId"`
	SessionID string    `json:"sessionId,omitempty"`
	Hostname  string    `json:"hostname,omitempty"`
	Started   time.Time `json:"started"`

	InstanceID       string `json:"instanceId,omitempty"`
	PrivateIP        string `json:"privateIp,omitempty"`
	Region           string `json:"region,omitempty"`
	AvailabilityZone string `json:"availabilityZone,omitempty"`
	AccountID        string `json:"accountId,omitempty"`
	InstanceType     string `json:"instanceType,omitempty"`
	ImageID          string `json:"imageId,omitempty"`

	// Error records why instance metadata could not be read.
	Error string `json:"error,omitempty"`
}

// Metadata is the subset of the EC2 instance metadata client in use.
type Metadata interface {
	GetInstanceIdentityDocumentWithContext(ctx context.Context) (ec2metadata.EC2InstanceIdentityDocument, error)
}

// Gather builds a Document for this process. Instance metadata is optional:
// when md is nil or unreachable the document carries only local facts and
// the error.
func Gather(ctx context.Context, md Metadata, log logging.Logger) *Document {
	doc := &Document{
		ServerID: uuid.New().String(),
		Started:  time.Now().UTC(),
	}
	if hostname, err := os.Hostname(); err == nil {
		doc.Hostname = hostname
	}
	if md == nil {
		return doc
	}

	iid, err := md.GetInstanceIdentityDocumentWithContext(ctx)
	if err != nil {
		log.WithError(err).Warn("unable to read instance identity")
		doc.Error = err.Error()
		return doc
	}
	doc.InstanceID = iid.InstanceID
	doc.PrivateIP = iid.PrivateIP
	doc.Region = iid.Region
	doc.AvailabilityZone = iid.AvailabilityZone
	doc.AccountID = iid.AccountID
	doc.InstanceType = iid.InstanceType
	doc.ImageID = iid.ImageID
	return doc
}

// Marshal renders the document as indented JSON.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Parse reads a published document.
func Parse(body []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
