package main

import (
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/ndlib/sipstore/store"
)

// parselocation will create an approprate store based on "location".
// If location is empty or "memory", a memory store is returned. It
// understands "s3://bucket/prefix" for S3, and anything else is a
// directory, with or without a "file:" scheme. The S3 endpoint may be
// changed by setting SIPSTORE_S3_ENDPOINT, e.g. to a local minio.
func parselocation(location string) (store.Store, error) {
	if location == "" || location == "memory" {
		log.Println("Using a memory store. Nothing will be saved.")
		return store.NewMemory(), nil
	}
	if bucket, prefix, ok := store.ParseS3URL(location); ok {
		conf := &aws.Config{}
		if endpoint := os.Getenv("SIPSTORE_S3_ENDPOINT"); endpoint != "" {
			conf.Endpoint = aws.String(endpoint)
			conf.Region = aws.String("us-east-1")
			// disable SSL for local development
			if strings.Contains(endpoint, "localhost") {
				conf.DisableSSL = aws.Bool(true)
				conf.S3ForcePathStyle = aws.Bool(true)
			}
		}
		sess, err := session.NewSession(conf)
		if err != nil {
			return nil, err
		}
		return store.NewS3(bucket, prefix, sess), nil
	}
	u, err := url.Parse(location)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing location %s", location)
	}
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = location
		} else if u.Opaque != "" {
			path = u.Opaque
		}
		path = filepath.Clean(path)
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, err
		}
		return store.NewFileSystem(path), nil
	}
	return nil, errors.Errorf("unknown archive location %s", location)
}
