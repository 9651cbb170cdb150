// Package bootstrap wires the conversation core from configuration. The
// API server and the conversation worker share it so both run the same
// pipeline.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/flightdesk-ai/internal/config"
	"github.com/wolfman30/flightdesk-ai/internal/conversation"
	"github.com/wolfman30/flightdesk-ai/internal/dedup"
	"github.com/wolfman30/flightdesk-ai/internal/directory"
	"github.com/wolfman30/flightdesk-ai/internal/dispatch"
	"github.com/wolfman30/flightdesk-ai/internal/escalation"
	"github.com/wolfman30/flightdesk-ai/internal/gateway"
	"github.com/wolfman30/flightdesk-ai/internal/intent"
	"github.com/wolfman30/flightdesk-ai/internal/lexicon"
	"github.com/wolfman30/flightdesk-ai/internal/messaging"
	"github.com/wolfman30/flightdesk-ai/internal/notify"
	"github.com/wolfman30/flightdesk-ai/internal/observability/metrics"
	"github.com/wolfman30/flightdesk-ai/pkg/logging"
)

const (
	contentWindowPrefix  = "dedup:content:"
	dispatchWindowPrefix = "dispatch:recent:"
	memoryWindowCapacity = 50000
	memoryQueueBuffer    = 256
)

// Infra holds the connections opened by the binary. Pool is required;
// the rest fall back to in-process implementations when nil.
type Infra struct {
	Pool     *pgxpool.Pool
	DB       *sql.DB
	Redis    *redis.Client
	AWS      *aws.Config
	Registry prometheus.Registerer
}

// Core is the wired conversation pipeline and the pieces the HTTP surface
// needs next to it.
type Core struct {
	Processor        *conversation.Processor
	Sessions         conversation.SessionStore
	Escalations      escalation.Store
	Feed             *notify.LiveFeed
	Gateway          *gateway.Client
	MessagingMetrics *metrics.MessagingMetrics
	Conversation     *metrics.ConversationMetrics
}

// BuildCore assembles the processor and its collaborators.
func BuildCore(ctx context.Context, cfg *appconfig.Config, infra Infra, logger *logging.Logger) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if infra.Pool == nil {
		return nil, fmt.Errorf("bootstrap: database pool is required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if ctx == nil {
		ctx = context.Background()
	}
	reg := infra.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	msgMetrics := metrics.NewMessagingMetrics(reg)
	convMetrics := metrics.NewConversationMetrics(reg)

	var objects lexicon.ObjectGetter
	if infra.AWS != nil {
		objects = s3.NewFromConfig(*infra.AWS)
	}
	lex, err := lexicon.Load(ctx, cfg.LexiconPath, objects)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: load lexicon: %w", err)
	}

	store := messaging.NewStore(infra.Pool)
	contentWindow, dispatchWindow := buildWindows(cfg, infra.Redis)
	guard := dedup.NewGuard(store, contentWindow, dedup.Config{
		ContentWindow: cfg.DedupContentWindow,
		InFlightGrace: cfg.DedupInFlightGrace,
	}, logger, dedup.WithObserver(convMetrics))

	var sessions conversation.SessionStore
	if infra.Redis != nil {
		sessions = conversation.NewRedisSessionStore(infra.Redis, cfg.SessionTTL, logger)
	} else {
		logger.Warn("redis not configured; sessions are kept in memory")
		sessions = conversation.NewMemorySessionStore()
	}

	dir, err := BuildDirectory(cfg, logger)
	if err != nil {
		return nil, err
	}

	classifierOpts := []intent.Option{
		intent.WithThreshold(cfg.ClassifierThreshold),
		intent.WithLLMTimeout(cfg.LLMTimeout),
		intent.WithObserver(convMetrics),
	}
	if model := BuildModel(ctx, cfg, infra.AWS, logger); model != nil {
		classifierOpts = append(classifierOpts, intent.WithModel(intent.NewLLMFallback(model, "")))
	}
	classifier := intent.NewClassifier(lex, logger, classifierOpts...)

	gw, err := BuildGateway(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gateway: %w", err)
	}
	dispatcher := dispatch.New(gw, store, dispatchWindow, logger,
		dispatch.WithObserver(convMetrics),
		dispatch.WithDuplicateWindow(cfg.DispatchDuplicateWindow),
	)

	feed := notify.NewLiveFeed(logger)
	email, provider := BuildEmailSender(cfg, infra.AWS, logger)
	logger.Info("handoff email configured", "provider", provider)
	notifier, err := BuildNotifier(cfg, gw, email, feed, logger)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: notifier: %w", err)
	}

	var escStore escalation.Store
	if infra.DB != nil {
		escStore = escalation.NewSQLStore(infra.DB)
	} else {
		escStore = escalation.NewMemoryStore()
	}
	router := escalation.NewRouter(escStore, notifier, logger,
		escalation.WithThreshold(cfg.EscalationLevelThreshold),
		escalation.WithCooldown(cfg.EscalationCooldown),
		escalation.WithObserver(convMetrics),
	)

	processor := conversation.NewProcessor(conversation.Deps{
		Guard:       guard,
		Sessions:    sessions,
		Directory:   dir,
		Classifier:  classifier,
		Composer:    conversation.NewComposer(lex),
		Dispatcher:  dispatcher,
		Escalations: router,
		Transitions: store,
		Turns:       store,
		Memory:      conversation.NewInteractionMemory(cfg.MemoryCapacity, cfg.MemoryTTL),
	}, logger,
		conversation.WithTurnTimeout(cfg.TurnTimeout),
		conversation.WithHistoryWindow(cfg.HistoryWindow),
		conversation.WithTurnObserver(convMetrics),
	)

	return &Core{
		Processor:        processor,
		Sessions:         sessions,
		Escalations:      escStore,
		Feed:             feed,
		Gateway:          gw,
		MessagingMetrics: msgMetrics,
		Conversation:     convMetrics,
	}, nil
}

// BuildDirectory prefers the hosted entity store, then a static snapshot
// file, and wraps either in the lookup cache.
func BuildDirectory(cfg *appconfig.Config, logger *logging.Logger) (directory.Directory, error) {
	var next directory.Directory
	switch {
	case strings.TrimSpace(cfg.DirectoryBaseURL) != "":
		client, err := directory.NewClient(directory.ClientConfig{
			BaseURL: cfg.DirectoryBaseURL,
			APIKey:  cfg.DirectoryAPIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("bootstrap: directory: %w", err)
		}
		next = client
	case strings.TrimSpace(cfg.DirectoryStaticPath) != "":
		static, err := directory.LoadStatic(cfg.DirectoryStaticPath)
		if err != nil {
			return nil, fmt.Errorf("bootstrap: directory: %w", err)
		}
		next = static
	default:
		if logger != nil {
			logger.Warn("no directory configured; every customer is treated as new")
		}
		next = directory.NewStatic(nil, nil)
	}
	return directory.NewCached(next, cfg.DirectoryCacheSize, cfg.DirectoryCacheTTL, logger), nil
}

func buildWindows(cfg *appconfig.Config, client *redis.Client) (dedup.Window, dedup.Window) {
	if client != nil {
		return dedup.NewRedisWindow(client, contentWindowPrefix), dedup.NewRedisWindow(client, dispatchWindowPrefix)
	}
	maxTTL := cfg.DedupContentWindow
	if cfg.DispatchDuplicateWindow > maxTTL {
		maxTTL = cfg.DispatchDuplicateWindow
	}
	return dedup.NewMemoryWindow(memoryWindowCapacity, maxTTL), dedup.NewMemoryWindow(memoryWindowCapacity, maxTTL)
}

// Runtime is how admitted turns get executed. Worker is set only when a
// queue is consumed inside this process.
type Runtime struct {
	Runner conversation.Runner
	Worker *conversation.Worker
}

// BuildRunner picks inline execution or the queue. A memory queue is
// consumed by an in-process worker; an SQS queue is left to the
// conversation-worker binary.
func BuildRunner(cfg *appconfig.Config, core *Core, awsCfg *aws.Config, logger *logging.Logger) (*Runtime, error) {
	if cfg == nil || core == nil {
		return nil, fmt.Errorf("bootstrap: config and core are required")
	}
	dynamoJobs := buildDynamoJobs(cfg, awsCfg, logger)

	if cfg.ProcessingMode != appconfig.ModeQueue {
		var jobs conversation.JobTracker
		if dynamoJobs != nil {
			jobs = dynamoJobs
		}
		return &Runtime{Runner: conversation.NewInlineRunner(core.Processor, jobs, logger)}, nil
	}

	if cfg.UseMemoryQueue || strings.TrimSpace(cfg.ConversationQueueURL) == "" {
		queue := conversation.NewMemoryQueue(memoryQueueBuffer)
		jobs := conversation.NewMemoryJobStore()
		worker := conversation.NewWorker(core.Processor, queue, jobs, logger,
			conversation.WithWorkerCount(cfg.WorkerCount),
			conversation.WithReceiveWaitSeconds(1),
		)
		runner := conversation.NewQueueRunner(core.Processor, conversation.NewPublisher(queue, logger), jobs, logger)
		return &Runtime{Runner: runner, Worker: worker}, nil
	}

	if awsCfg == nil {
		return nil, fmt.Errorf("bootstrap: sqs queue requires aws config")
	}
	queue := conversation.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.ConversationQueueURL)
	var jobs conversation.JobRecorder
	if dynamoJobs != nil {
		jobs = dynamoJobs
	}
	return &Runtime{Runner: conversation.NewQueueRunner(core.Processor, conversation.NewPublisher(queue, logger), jobs, logger)}, nil
}

// BuildWorker consumes the SQS queue with the core's processor.
func BuildWorker(cfg *appconfig.Config, core *Core, awsCfg *aws.Config, logger *logging.Logger) (*conversation.Worker, error) {
	if cfg == nil || core == nil {
		return nil, fmt.Errorf("bootstrap: config and core are required")
	}
	if awsCfg == nil || strings.TrimSpace(cfg.ConversationQueueURL) == "" {
		return nil, fmt.Errorf("bootstrap: worker requires CONVERSATION_QUEUE_URL and aws config")
	}
	queue := conversation.NewSQSQueue(sqs.NewFromConfig(*awsCfg), cfg.ConversationQueueURL)
	var jobs conversation.JobUpdater = conversation.NewMemoryJobStore()
	if dynamoJobs := buildDynamoJobs(cfg, awsCfg, logger); dynamoJobs != nil {
		jobs = dynamoJobs
	}
	return conversation.NewWorker(core.Processor, queue, jobs, logger,
		conversation.WithWorkerCount(cfg.WorkerCount),
	), nil
}

func buildDynamoJobs(cfg *appconfig.Config, awsCfg *aws.Config, logger *logging.Logger) *conversation.JobStore {
	if awsCfg == nil || strings.TrimSpace(cfg.ConversationJobsTable) == "" {
		return nil
	}
	return conversation.NewJobStore(dynamodb.NewFromConfig(*awsCfg), cfg.ConversationJobsTable, logger)
}
