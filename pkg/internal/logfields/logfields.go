package logfields

import (
	"github.com/s3rat/s3rat/pkg/session"

	"github.com/sirupsen/logrus"
)

// Session identifies a session in log entries.
func Session(s *session.Session) logrus.Fields {
	return logrus.Fields{
		"bucket":  s.Bucket,
		"session": s.ID,
		"prefix":  s.Prefix,
	}
}
