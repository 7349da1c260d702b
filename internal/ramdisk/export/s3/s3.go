// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package s3 implements export.Uploader on top of the s3 protocol. It uses
// aws api v1.
package s3

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

// Uploader of export objects to a s3 bucket. Images are large, so unlike
// small objects they benefit from multipart uploads.
type S3 struct {
	uploader *s3manager.Uploader
	client   *s3.S3
	bucket   string
}

// Options to use in New() function due to high number of parameters. There is
// lower chance of ordering mistake with named parameters.
type Options struct {
	Remote    string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string

	// Size of one part of multipart upload in bytes. Zero means the
	// library default.
	PartSize int64

	// Number of parts uploaded in parallel. Zero means the library
	// default.
	Concurrency int
}

// Helper struct used for tuning the http connection.
type httpClientSettings struct {
	connect          time.Duration
	connKeepAlive    time.Duration
	expectContinue   time.Duration
	idleConn         time.Duration
	maxAllIdleConns  int
	maxHostIdleConns int
	responseHeader   time.Duration
	tlsHandshake     time.Duration
}

// Returns http client with configured parameters and added https2 support.
func newHTTPClientWithSettings(httpSettings httpClientSettings) (*http.Client, error) {
	tr := &http.Transport{
		ResponseHeaderTimeout: httpSettings.responseHeader,
		Proxy:                 http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			KeepAlive: httpSettings.connKeepAlive,
			Timeout:   httpSettings.connect,
		}).DialContext,
		MaxIdleConns:          httpSettings.maxAllIdleConns,
		IdleConnTimeout:       httpSettings.idleConn,
		TLSHandshakeTimeout:   httpSettings.tlsHandshake,
		MaxIdleConnsPerHost:   httpSettings.maxHostIdleConns,
		ExpectContinueTimeout: httpSettings.expectContinue,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, errors.Wrap(err, "configuring http2")
	}

	return &http.Client{
		Transport: tr,
	}, nil
}

func New(o Options) (*S3, error) {
	s := new(S3)
	s.bucket = o.Bucket

	httpClient, err := newHTTPClientWithSettings(httpClientSettings{
		connect:          5 * time.Second,
		expectContinue:   1 * time.Second,
		idleConn:         90 * time.Second,
		connKeepAlive:    30 * time.Second,
		maxAllIdleConns:  100,
		maxHostIdleConns: 10,
		responseHeader:   5 * time.Second,
		tlsHandshake:     5 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(o.Remote),
		Region:           aws.String(o.Region),
		Credentials:      credentials.NewStaticCredentials(o.AccessKey, o.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
		HTTPClient:       httpClient,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 session")
	}

	s.client = s3.New(sess)
	s.uploader = s3manager.NewUploader(sess, func(u *s3manager.Uploader) {
		if o.PartSize > 0 {
			u.PartSize = o.PartSize
		}
		if o.Concurrency > 0 {
			u.Concurrency = o.Concurrency
		}
	})

	err = s.makeBucketExist()

	return s, err
}

// Upload function implemented through s3 api.
func (s *S3) Upload(key string, body io.Reader) error {
	_, err := s.uploader.Upload(&s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})

	return errors.Wrapf(err, "uploading %s/%s", s.bucket, key)
}

// Check whether bucket exist and if not, create it and wait until it appears.
func (s *S3) makeBucketExist() error {
	_, err := s.client.HeadBucket(&s3.HeadBucketInput{Bucket: aws.String(s.bucket)})

	if err != nil {
		_, err = s.client.CreateBucket(&s3.CreateBucketInput{
			Bucket: aws.String(s.bucket)})

		if err == nil {
			err = s.client.WaitUntilBucketExists(&s3.HeadBucketInput{
				Bucket: aws.String(s.bucket)})
		}
	}

	return errors.Wrapf(err, "preparing bucket %s", s.bucket)
}
