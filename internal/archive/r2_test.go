package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestKey(t *testing.T) {
	at := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	assert.Equal(t, "webhooks/crm/2024/05/01/evt-1.json", Key("crm", "evt-1", at))
	assert.Equal(t, "webhooks/sheet/2024/05/01/sha256_ab.json", Key("sheet", "sha256:ab", at))
}

func TestArchive(t *testing.T) {
	fake := &fakeS3{}
	r := &R2{client: fake, bucket: "raw", now: func() time.Time { return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC) }}

	require.NoError(t, r.Archive(context.Background(), "sheet", "e1", []byte(`{"row_id":2}`)))
	assert.Equal(t, "raw", aws.ToString(fake.in.Bucket))
	assert.Equal(t, "webhooks/sheet/2024/05/01/e1.json", aws.ToString(fake.in.Key))
	assert.Equal(t, `{"row_id":2}`, string(fake.body))

	fake.err = errors.New("denied")
	assert.Error(t, r.Archive(context.Background(), "sheet", "e1", nil))
}

func TestNewR2RequiresConfig(t *testing.T) {
	_, err := NewR2(context.Background(), R2Config{AccountID: "acc"})
	assert.Error(t, err)
	assert.False(t, R2Config{}.Enabled())
}
