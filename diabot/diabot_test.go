package diabot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupTestDB(t testing.TB) *gorm.DB {
	t.Helper()
	tmpdir := t.TempDir()
	dbPath := filepath.Join(tmpdir, "test.sqlite3")
	db, err := CreateDB(
		context.Background(),
		"sqlite",
		dbPath,
	)
	if err != nil {
		t.Fatalf("error creating test database: %v", err)
	}
	return db
}

// newDiabot returns a new Diabot for testing, with a default context.
func newDiabot(t testing.TB) (*Diabot, *http.Client) {
	t.Helper()
	return newDiabotWithContext(t, context.Background())
}

// newDiabotWithContext returns a new Diabot for testing, with
// test-specific default Config and RuntimeConfig structs, and a mocked
// Discord session. Loggers are set which have a 'test_name'
// field to help identify the test being run.
func newDiabotWithContext(
	t testing.TB,
	ctx context.Context,
) (*Diabot, *http.Client) {
	t.Helper()
	gin.DefaultWriter = io.Discard

	cfg := DefaultTestConfig(t)

	dbctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	t.Cleanup(cancel)
	db, err := CreateDB(dbctx, cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	runtimeCfg := DefaultTestRuntimeConfig(t)
	require.NoError(t, db.Create(runtimeCfg).Error)

	bot, err := New(cfg)
	require.NoError(t, err)

	bot.runtimeConfig = runtimeCfg
	bot.discord.session = newMockDiscordSession()

	setLoggers(t, bot)

	adminServer := httptest.NewTLSServer(bot.api.engine)
	t.Cleanup(adminServer.Close)

	bot.config.HTTPClient = adminServer.Client()
	bot.api.httpServer = adminServer.Config

	logger := slog.Default()

	// discord API calls are mocked out, and sent into these channels so
	// we can validate what's being sent
	bot.getInteractionHandlerFunc = func(
		_ context.Context, i *discordgo.InteractionCreate,
	) InteractionHandler {
		stubHandler := stubInteractionHandler{
			callRespond:        make(chan *discordgo.InteractionResponse, 100),
			config:             bot.RuntimeConfig().CommandOptions,
			callGetResponse:    make(chan struct{}, 100),
			callEdit:           make(chan *stubEdits, 100),
			callDelete:         make(chan struct{}, 100),
			callGetInteraction: make(chan struct{}, 100),
			GatewayHandler: GatewayHandler{
				session:     bot.discord.session,
				interaction: i,
				logger:      logger.With("test_name", t.Name()),
			},
		}
		return stubHandler
	}

	botErr := make(chan error, 1)
	go func() {
		botErr <- bot.Run(ctx)
	}()

	select {
	case <-bot.signalReady:
		t.Cleanup(
			func() {
				cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), time.Minute)
				defer cleanupCancel()
				select {
				case <-cleanupCtx.Done():
					t.Logf("cleanup timed out")
				case bot.signalStop <- struct{}{}:
					t.Logf("sent stop signal")
				}
			},
		)
	case e := <-botErr:
		t.Fatalf("error starting bot: %v", e)
	}
	bot.cfgMu.Lock()
	defer bot.cfgMu.Unlock()
	return bot, adminServer.Client()
}

func TestInteractionLog(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	bot.paused.Store(true)

	discordUser := &discordgo.User{
		ID:       "999",
		Username: "foo",
	}

	interaction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionApplicationCommand,
			ID:   "123",
			User: discordUser,
			Data: discordgo.ApplicationCommandInteractionData{
				CommandType: discordgo.ChatApplicationCommand,
				Name:        DiscordSlashCommandConvert,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  convertCommandValueOption,
						Type:  discordgo.ApplicationCommandOptionNumber,
						Value: 5.5,
					},
				},
			},
		},
	}
	bot.handleInteraction(
		context.Background(),
		bot.getInteractionHandlerFunc(context.Background(), interaction),
	)

	var cmd CommandLog
	err := bot.db.Last(&cmd).Error
	require.NoError(t, err)
	assert.Equal(t, CommandStateIgnored, cmd.State)
	assert.Equal(t, DiscordSlashCommandConvert, cmd.CommandName)

	var ilog InteractionLog
	err = bot.db.Last(&ilog).Error
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	assert.Equal(t, "999", ilog.UserID)
	assert.Equal(t, "foo#", ilog.Username)
	assert.Equal(t, "123", ilog.InteractionID)
}

func TestIgnoredUserCommandNotExecuted(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	discordUser := newDiscordUser(t)
	u, _, err := bot.GetOrCreateUser(ctx, *discordUser)
	require.NoError(t, err)
	_, err = bot.writeDB.Update(ctx, u, columnUserIgnored, true)
	require.NoError(t, err)

	interaction := newDiscordInteraction(
		t,
		discordUser,
		"",
		DiscordSlashCommandConvert,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  convertCommandValueOption,
				Type:  discordgo.ApplicationCommandOptionNumber,
				Value: 5.5,
			},
		},
	)

	handler := bot.getInteractionHandlerFunc(ctx, interaction)
	bot.handleInteraction(ctx, handler)

	var cmd CommandLog
	require.NoError(t, bot.db.Last(&cmd).Error)
	assert.Equal(t, CommandStateIgnored, cmd.State)
	assert.False(t, cmd.Acknowledged)
	assert.Equal(t, handler.InteractionReceiveMethod(), cmd.Method)
}

func TestHandleInteraction_Ping(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	interaction := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Type: discordgo.InteractionPing,
			ID:   fmt.Sprintf("interaction_%s", t.Name()),
			User: newDiscordUser(t),
		},
	}
	handler := bot.getInteractionHandlerFunc(ctx, interaction)
	bot.handleInteraction(ctx, handler)

	stubHandler, ok := handler.(stubInteractionHandler)
	require.True(t, ok)
	select {
	case resp := <-stubHandler.callRespond:
		assert.Equal(t, discordgo.InteractionResponsePong, resp.Type)
	default:
		t.Fatal("expected a pong response")
	}
}

func TestHandleInteraction_UnknownCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	interaction := newDiscordInteraction(
		t,
		newDiscordUser(t),
		"",
		"bogus-command",
		nil,
	)
	handler := bot.getInteractionHandlerFunc(ctx, interaction)
	bot.handleInteraction(ctx, handler)

	var cmd CommandLog
	require.NoError(t, bot.db.Last(&cmd).Error)
	assert.Equal(t, CommandStateFailed, cmd.State)
	assert.Contains(t, cmd.Error.String(), "unknown command")

	stubHandler, ok := handler.(stubInteractionHandler)
	require.True(t, ok)
	select {
	case edit := <-stubHandler.callEdit:
		require.NotNil(t, edit.WebhookEdit.Content)
		assert.Equal(
			t,
			bot.RuntimeConfig().DiscordErrorMessage,
			*edit.WebhookEdit.Content,
		)
	default:
		t.Fatal("expected an edit with the error message")
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	require.False(t, bot.paused.Load())
	assert.True(t, bot.Pause(ctx))
	assert.True(t, bot.paused.Load())
	assert.False(t, bot.Pause(ctx))

	assert.True(t, bot.Resume(ctx))
	assert.False(t, bot.paused.Load())
	assert.False(t, bot.Resume(ctx))
}

func TestGetOrCreateUserViaBot(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()

	discordUser := newDiscordUser(t)
	u, isNew, err := bot.GetOrCreateUser(ctx, *discordUser)
	require.NoError(t, err)
	require.True(t, isNew)
	require.NotNil(t, u)
	assert.Equal(t, discordUser.ID, u.ID)
	assert.Equal(t, discordUser.Username, u.Username)

	// second call comes from cache
	cached, isNew, err := bot.GetOrCreateUser(ctx, *discordUser)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, u.ID, cached.ID)
}
