package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"io/ioutil"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	"github.com/s3rat/s3rat/pkg/logging"
	"github.com/sirupsen/logrus"
)

// DefaultACL grants the bucket owner control over objects written from
// another account.
const DefaultACL = s3.ObjectCannedACLBucketOwnerFullControl

// S3Config selects the bucket and endpoint an S3Store talks to.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	// ACL is the canned ACL attached to uploads. Empty omits it.
	ACL string
	// DisableChecksum uploads without a Content-MD5 header.
	DisableChecksum bool
}

// NewSession builds an AWS session for cfg using the default credential
// chain.
func NewSession(cfg S3Config) (*session.Session, error) {
	awsCfg := aws.NewConfig()
	if cfg.Region != "" {
		awsCfg = awsCfg.WithRegion(cfg.Region)
	}
	if cfg.Endpoint != "" {
		awsCfg = awsCfg.WithEndpoint(cfg.Endpoint)
	}
	if cfg.PathStyle {
		awsCfg = awsCfg.WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *awsCfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	return sess, errors.Wrap(err, "aws session")
}

// S3Store is a Store backed by a single S3 bucket.
type S3Store struct {
	log      logging.Logger
	bucket   string
	acl      string
	checksum bool
	svc      *s3.S3
}

// NewS3Store returns a store for cfg.Bucket using the provided AWS client
// configuration.
func NewS3Store(p client.ConfigProvider, cfg S3Config, log logging.Logger) *S3Store {
	return &S3Store{
		log:      log,
		bucket:   cfg.Bucket,
		acl:      cfg.ACL,
		checksum: !cfg.DisableChecksum,
		svc:      s3.New(p),
	}
}


func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	}
	if s.acl != "" {
		input.ACL = aws.String(s.acl)
	}
	if s.checksum {
		sum := md5.Sum(body)
		input.ContentMD5 = aws.String(base64.StdEncoding.EncodeToString(sum[:]))
	} else {
		s.log.WithField("key", key).Warn("uploading without Content-MD5 checksum")
	}
	s.log.WithFields(logrus.Fields{"key": key, "size": len(body)}).Debug("put object")
	_, err := s.svc.PutObjectWithContext(ctx, input)
	return errors.Wrapf(err, "put s3://%s/%s", s.bucket, key)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(ErrNotFound, "get s3://%s/%s", s.bucket, key)
		}
		return nil, errors.Wrapf(err, "get s3://%s/%s", s.bucket, key)
	}
	defer out.Body.Close()
	body, err := ioutil.ReadAll(out.Body)
	return body, errors.Wrapf(err, "read s3://%s/%s", s.bucket, key)
}

func (s *S3Store) List(ctx context.Context, prefix string) (*Listing, error) {
	req, out := s.svc.ListObjectsV2Request(&s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	req.SetContext(ctx)
	if err := req.Send(); err != nil {
		return nil, errors.Wrapf(err, "list s3://%s/%s", s.bucket, prefix)
	}

	listing := &Listing{Truncated: aws.BoolValue(out.IsTruncated)}
	if req.HTTPResponse != nil {
		if date, err := http.ParseTime(req.HTTPResponse.Header.Get("Date")); err == nil {
			listing.Date = date
		}
	}
	for _, obj := range out.Contents {
		listing.Objects = append(listing.Objects, Object{
			Key:          aws.StringValue(obj.Key),
			LastModified: aws.TimeValue(obj.LastModified),
			Size:         aws.Int64Value(obj.Size),
		})
	}
	if listing.Truncated {
		warnTruncated(s.log, prefix, len(listing.Objects))
	}
	return listing, nil
}

func (s *S3Store) ListPrefixes(ctx context.Context, prefix, delimiter string) ([]string, error) {
	out, err := s.svc.ListObjectsV2WithContext(ctx, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(prefix),
		Delimiter: aws.String(delimiter),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "list prefixes s3://%s/%s", s.bucket, prefix)
	}
	if aws.BoolValue(out.IsTruncated) {
		warnTruncated(s.log, prefix, len(out.CommonPrefixes))
	}
	prefixes := make([]string, 0, len(out.CommonPrefixes))
	for _, p := range out.CommonPrefixes {
		prefixes = append(prefixes, aws.StringValue(p.Prefix))
	}
	return prefixes, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.svc.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, errors.Wrapf(err, "head s3://%s/%s", s.bucket, key)
}

// WaitUntilExists runs the SDK's object exists waiter with the given pacing.
func (s *S3Store) WaitUntilExists(ctx context.Context, key string, delay time.Duration, maxAttempts int) error {
	err := s.svc.WaitUntilObjectExistsWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	},
		request.WithWaiterDelay(request.ConstantWaiterDelay(delay)),
		request.WithWaiterMaxAttempts(maxAttempts),
	)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	}
	if aerr, ok := err.(awserr.Error); ok && aerr.Code() == request.WaiterResourceNotReadyErrorCode {
		return errors.Wrapf(ErrNotReady, "s3://%s/%s after %d attempts", s.bucket, key, maxAttempts)
	}
	return errors.Wrapf(err, "wait for s3://%s/%s", s.bucket, key)
}

func isNotFound(err error) bool {
	if reqErr, ok := err.(awserr.RequestFailure); ok && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
