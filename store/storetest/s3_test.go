// +build s3

package storetest

// Runs the conformance tests against a locally hosted Minio.
//
//    env "AWS_ACCESS_KEY_ID=XXXXX" "AWS_SECRET_ACCESS_KEY=YYYY" go test -tags=s3 ./store/storetest

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"

	"github.com/ndlib/sipstore/store"
)

func getSession() *session.Session {
	s3Config := &aws.Config{
		Endpoint:         aws.String("http://localhost:9000"),
		Region:           aws.String("us-east-1"),
		DisableSSL:       aws.Bool(true),
		S3ForcePathStyle: aws.Bool(true),
	}
	return session.New(s3Config)
}

func TestS3Conformance(t *testing.T) {
	s := store.NewS3("zoo", "conformance/", getSession())
	Conformance(t, s)
}

func TestS3Concurrent(t *testing.T) {
	s := store.NewS3("zoo", "concurrent/", getSession())
	Concurrent(t, s, 10)
}
