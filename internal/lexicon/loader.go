package lexicon

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

//go:embed defaults.yaml
var defaultDocument []byte

// ObjectGetter is the subset of the S3 client used to fetch lexicon files.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Default returns the lexicon bundled with the binary.
func Default() *Lexicon {
	lex, err := Parse(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("lexicon: bundled defaults invalid: %v", err))
	}
	return lex
}

// Load reads a lexicon from path. An empty path yields the bundled
// defaults; "s3://bucket/key" is fetched through objects; anything else is
// read from the local filesystem.
func Load(ctx context.Context, path string, objects ObjectGetter) (*Lexicon, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Parse(defaultDocument)
	}
	if strings.HasPrefix(path, "s3://") {
		data, err := fetchS3(ctx, path, objects)
		if err != nil {
			return nil, err
		}
		return Parse(data)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: read %s: %w", path, err)
	}
	return Parse(data)
}

func fetchS3(ctx context.Context, path string, objects ObjectGetter) ([]byte, error) {
	if objects == nil {
		return nil, errors.New("lexicon: s3 path configured without an s3 client")
	}
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: parse %s: %w", path, err)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return nil, fmt.Errorf("lexicon: invalid s3 location %q", path)
	}
	out, err := objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(u.Host),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("lexicon: get s3 object: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("lexicon: read s3 object: %w", err)
	}
	return data, nil
}
