package jasmine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var defaultLogWriter io.Writer = os.Stdout

// Jasmine is a Discord chat bot backed by a locally hosted Ollama
// instance. Inbound messages are classified into commands, answered
// through the model gateway, and replies delivered in order through
// two dispatch queues (one for chat/search, one for image
// description). Each guild gets its own persisted fact memory that
// the bot folds into every prompt.
type Jasmine struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	gateway    *Ollama
	store      *MemoryStore
	extractor  *MemoryExtractor
	chatQueue  *DispatchQueue[ChatTask]
	imageQueue *DispatchQueue[ImageTask]
	db         DBI
	api        *API

	// personality is process-lifetime state, mutable only by the
	// owner's mood command
	personality   string
	personalityMu sync.RWMutex

	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the
	// bot, outside of canceling the context passed to Run
	signalStop chan struct{}
	stopOnce   sync.Once

	// runMu prevents concurrent runs
	runMu sync.Mutex

	runtimeWG sync.WaitGroup
}

// New assembles a bot from the given config. The database and Discord
// session are not opened until Run.
func New(config *Config) (*Jasmine, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	j := &Jasmine{
		config:      config,
		personality: config.Discord.Personality,
	}
	if j.personality == "" {
		j.personality = DefaultPersonality
	}

	j.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	j.logger = slog.New(j.logHandler)
	slog.SetDefault(j.logger)

	gateway, err := NewOllama(*config.Ollama, j.logger)
	if err != nil {
		errs = append(errs, err)
	}
	j.gateway = gateway

	config.Discord.httpClient = config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc := newDiscord(
		config.Discord,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     config.Discord.LogLevel,
					AddSource: true,
				},
			),
		),
	)
	j.discord = disc
	disc.bot = j

	j.chatQueue = NewDispatchQueue(
		"chat",
		config.Queue.Size,
		config.Queue.ChatCooldown,
		j.logger,
		j.processChatTask,
	)
	j.imageQueue = NewDispatchQueue(
		"image",
		config.Queue.Size,
		config.Queue.ImageCooldown,
		j.logger,
		j.processImageTask,
	)

	api, err := newAPI(j, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	j.api = api

	return j, errors.Join(errs...)
}

// Personality returns the bot's current personality string.
func (j *Jasmine) Personality() string {
	j.personalityMu.RLock()
	defer j.personalityMu.RUnlock()
	return j.personality
}

// SetPersonality swaps the personality used for all future prompts.
func (j *Jasmine) SetPersonality(personality string) {
	j.personalityMu.Lock()
	defer j.personalityMu.Unlock()
	j.personality = personality
}

// triggerShutdown asks a running bot to stop gracefully. Safe to call
// multiple times.
func (j *Jasmine) triggerShutdown() {
	j.stopOnce.Do(
		func() {
			j.signalStop <- struct{}{}
		},
	)
}

// Run starts the bot: opens the audit database, verifies the Ollama
// host, starts the queue workers and diagnostics API, and connects to
// the Discord gateway. Blocks until ctx is cancelled or an owner
// shutdown is triggered, then tears everything down.
func (j *Jasmine) Run(ctx context.Context) error {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	j.signalStop = make(chan struct{}, 1)
	j.startedAt = time.Now()
	logger := j.logger

	if err := structValidator.Struct(j.config); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.String("version", Version),
		slog.Any("config", j.config),
	)

	go func() {
		select {
		case <-j.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled, sending stop signal")
			j.triggerShutdown()
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, j.config.StartupTimeout)
	defer startCancel()

	if err := j.initRun(startCtx); err != nil {
		logger.ErrorContext(ctx, "init error", tint.Err(err))
		return err
	}

	go func() {
		httpErr := j.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			logger.ErrorContext(
				ctx,
				"error serving api HTTP",
				tint.Err(httpErr),
			)
		}
	}()

	j.runtimeWG.Add(1)
	go func() {
		defer j.runtimeWG.Done()
		j.chatQueue.Run(ctx)
	}()

	j.runtimeWG.Add(1)
	go func() {
		defer j.runtimeWG.Done()
		j.imageQueue.Run(ctx)
	}()

	if err := j.connectDiscord(ctx); err != nil {
		return err
	}

	logger.InfoContext(ctx, "started")
	<-ctx.Done()

	j.shutdown(logger)
	return nil
}

// initRun prepares everything that must exist before the gateway
// connects: the data directory, the audit database, the memory store
// and the extraction pipeline. An unreachable Ollama host is logged
// but doesn't block startup.
func (j *Jasmine) initRun(ctx context.Context) error {
	if err := os.MkdirAll(j.config.DataDir, 0755); err != nil {
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	dbHandler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     j.config.DatabaseLogLevel,
			AddSource: true,
		},
	)
	db, err := CreateDB(
		ctx,
		j.config.Database,
		dbHandler,
		j.config.DatabaseSlowThreshold,
	)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	j.db = NewDatabase(db, j.logger)

	j.store = NewMemoryStore(j.config.DataDir, j.logger, j.db)
	j.extractor = NewMemoryExtractor(j.store, j.gateway, j.logger)

	if err = j.gateway.CheckConnection(ctx); err != nil {
		j.logger.WarnContext(
			ctx,
			"ollama host unreachable - check that it's running",
			"url", j.config.Ollama.URL,
			tint.Err(err),
		)
	}
	return nil
}

// connectDiscord opens the gateway session and registers the event
// handlers.
func (j *Jasmine) connectDiscord(ctx context.Context) error {
	session, err := j.discord.newSession()
	if err != nil {
		return err
	}
	j.discord.session = session

	d := j.discord
	d.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(d.handlerReady()),
		session.AddHandler(d.handlerConnect()),
		session.AddHandler(d.handlerDisconnect()),
		session.AddHandler(d.handlerMessageCreate()),
		session.AddHandler(d.handlerInteractionCreate()),
	}

	if err = session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	j.logger.InfoContext(ctx, "discord session opened")
	return nil
}

// shutdown tears down the Discord session and API server, then waits
// up to ShutdownTimeout for in-flight work to finish.
func (j *Jasmine) shutdown(logger *slog.Logger) {
	logger.Warn("shutting down")

	for _, removeHandler := range j.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if j.discord.session != nil {
		if err := j.discord.session.Close(); err != nil {
			logger.Error("error closing discord session", tint.Err(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		j.config.ShutdownTimeout,
	)
	defer shutdownCancel()

	if j.api != nil {
		if err := j.api.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down api server", tint.Err(err))
		}
	}

	done := make(chan struct{})
	go func() {
		j.runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Warn("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error("shutdown timed out, exiting anyway")
	}
}

// processChatTask answers one queued chat or search turn. On the chat
// path, a memory extraction pass is scheduled after the reply has
// been delivered.
func (j *Jasmine) processChatTask(ctx context.Context, task ChatTask) {
	j.discord.typing(ctx, task.ChannelID)

	var result string
	var err error
	if task.Search {
		result, err = j.gateway.Search(ctx, task.Query)
	} else {
		var facts string
		facts, err = j.store.MergedFactValues(task.GuildID)
		if err != nil {
			j.logger.ErrorContext(
				ctx,
				"error reading facts",
				"guild_id", task.GuildID,
				tint.Err(err),
			)
		}
		result, err = j.gateway.ChatCompletion(
			ctx,
			j.Personality(),
			facts,
			task.Query,
		)
	}
	if err != nil {
		j.logger.ErrorContext(
			ctx,
			"error processing chat task",
			"guild_id", task.GuildID,
			tint.Err(err),
		)
		if task.Search {
			task.Reply(ctx, replySearchFailed)
		} else {
			task.Reply(ctx, replyProcessFailed)
		}
		return
	}

	task.Reply(ctx, result)

	if !task.Search {
		j.runtimeWG.Add(1)
		go func() {
			defer j.runtimeWG.Done()
			j.extractor.Run(ctx, task.GuildID, task.Query, result)
		}()
	}
}

// processImageTask describes each attached image in order, pausing
// between images so the model host isn't hammered.
func (j *Jasmine) processImageTask(ctx context.Context, task ImageTask) {
	for i, imageURL := range task.ImageURLs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(j.config.Queue.ImageCooldown):
			}
		}
		j.discord.typing(ctx, task.ChannelID)

		facts, err := j.store.MergedFactValues(task.GuildID)
		if err != nil {
			j.logger.ErrorContext(
				ctx,
				"error reading facts",
				"guild_id", task.GuildID,
				tint.Err(err),
			)
		}
		description, err := j.gateway.DescribeImage(
			ctx,
			j.Personality(),
			facts,
			imageURL,
		)
		if err != nil {
			j.logger.ErrorContext(
				ctx,
				"error describing image",
				"image_url", imageURL,
				tint.Err(err),
			)
			task.Reply(ctx, "Failed to generate image description")
			continue
		}
		task.Reply(ctx, description)
	}
}

// infoSnapshot renders the host diagnostics shown by the info command.
func (j *Jasmine) infoSnapshot() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return fmt.Sprintf(
		"**%s** `%s` (%s, built %s)\n"+
			"Uptime: %s\n"+
			"Go: %s (%s/%s), %d goroutines, %.1f MiB in use\n"+
			"Chat queue: %d waiting / %d processed / %d dropped\n"+
			"Image queue: %d waiting / %d processed / %d dropped\n"+
			"Model host: %s (chat: %s, vision: %s, image: %s)\n"+
			"Personality: %s",
		j.config.Discord.BotName,
		Version,
		CommitSHA,
		BuildTime,
		time.Since(j.startedAt).Round(time.Second),
		runtime.Version(),
		runtime.GOOS,
		runtime.GOARCH,
		runtime.NumGoroutine(),
		float64(mem.Alloc)/(1024*1024),
		j.chatQueue.Len(),
		j.chatQueue.Processed(),
		j.chatQueue.Dropped(),
		j.imageQueue.Len(),
		j.imageQueue.Processed(),
		j.imageQueue.Dropped(),
		j.config.Ollama.URL,
		j.config.Ollama.ChatModel,
		j.config.Ollama.VisionModel,
		j.config.Ollama.ImageModel,
		j.Personality(),
	)
}
