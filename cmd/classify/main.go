// Command classify runs the intent classifier over messages given on the
// command line or stdin, one per line, and prints the result as JSON. It
// uses the same lexicon and model wiring as the API.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/wolfman30/flightdesk-ai/cmd/mainconfig"
	"github.com/wolfman30/flightdesk-ai/internal/app/bootstrap"
	appconfig "github.com/wolfman30/flightdesk-ai/internal/config"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

type options struct {
	keywordsOnly bool
	lines        []string
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("classify", pflag.ContinueOnError)
	flagSet.BoolVarP(&opts.keywordsOnly, "keywords-only", "k", false, "skip the model fallback")
	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	opts.lines = flagSet.Args()
	return opts, nil
}

type result struct {
	Text               string          `json:"text"`
	Kind               intent.Kind     `json:"kind"`
	Confidence         float64         `json:"confidence"`
	Source             intent.Source   `json:"source"`
	Language           string          `json:"language,omitempty"`
	Entities           intent.Entities `json:"entities"`
	MissingFields      []string        `json:"missing_fields,omitempty"`
	ProblemType        string          `json:"problem_type,omitempty"`
	NeedsClarification bool            `json:"needs_clarification,omitempty"`
}

func main() {
	_ = godotenv.Load()
	opts, err := parseFlags(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	classifier, err := buildClassifier(ctx, cfg, opts.keywordsOnly, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var input io.Reader = os.Stdin
	if len(opts.lines) > 0 {
		input = strings.NewReader(strings.Join(opts.lines, "\n"))
	}
	if err := classifyLines(ctx, classifier, input, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildClassifier(ctx context.Context, cfg *appconfig.Config, keywordsOnly bool, logger *logging.Logger) (*intent.Classifier, error) {
	var awsCfg *aws.Config
	var objects lexicon.ObjectGetter
	if mainconfig.UsesAWS(cfg) {
		loaded, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		awsCfg = &loaded
		objects = s3.NewFromConfig(loaded)
	}
	lex, err := lexicon.Load(ctx, cfg.LexiconPath, objects)
	if err != nil {
		return nil, err
	}
	opts := []intent.Option{
		intent.WithThreshold(cfg.ClassifierThreshold),
		intent.WithLLMTimeout(cfg.LLMTimeout),
	}
	if !keywordsOnly {
		if model := bootstrap.BuildModel(ctx, cfg, awsCfg, logger); model != nil {
			opts = append(opts, intent.WithModel(intent.NewLLMFallback(model, "")))
		}
	}
	return intent.NewClassifier(lex, logger, opts...), nil
}

// classifyLines treats lines as one conversation so slot answers carry
// over between them.
func classifyLines(ctx context.Context, classifier *intent.Classifier, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetEscapeHTML(false)
	var cctx intent.Context
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		got := classifier.Classify(ctx, text, cctx)
		cctx.Draft = cctx.Draft.Merge(got.Entities)
		cctx.Language = got.Language
		cctx.PendingField = ""
		if len(got.MissingFields) > 0 {
			cctx.PendingField = got.MissingFields[0]
		}
		cctx.History = append(cctx.History, intent.Turn{Role: "customer", Text: text})
		if err := enc.Encode(result{
			Text:               text,
			Kind:               got.Kind,
			Confidence:         got.Confidence,
			Source:             got.Source,
			Language:           got.Language,
			Entities:           got.Entities,
			MissingFields:      got.MissingFields,
			ProblemType:        got.ProblemType,
			NeedsClarification: got.NeedsClarification,
		}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
