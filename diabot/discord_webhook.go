package diabot

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// apiDiscordInteractions is the route Discord should be pointed at as
// the 'Interactions Endpoint URL' in the dev portal.
const apiDiscordInteractions = "/discord/interactions"

// DiscordWebhookServer receives Discord interactions pushed over HTTP,
// as an alternative to (or alongside) the gateway connection.
type DiscordWebhookServer struct {
	config     *DiscordWebhookServerConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
}

func (w *DiscordWebhookServer) Serve(ctx context.Context) error {
	if w.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, w.config.ListenNetwork, w.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", w.config.Listen, err)
		}
		w.listener = ln
	}
	if w.httpServer.TLSConfig == nil {
		w.logger.Warn("starting discord webhook server without TLS")
		return w.httpServer.Serve(w.listener)
	}
	return w.httpServer.ServeTLS(w.listener, "", "")
}

// newWebhookServer creates and returns a new [DiscordWebhookServer], and/or
// any errors that occurred during creation.
func newWebhookServer(
	d *Diabot,
	config *DiscordWebhookServerConfig,
) (*DiscordWebhookServer, error) {
	if len(d.discord.publicKey) == 0 {
		return nil, fmt.Errorf(
			"discord webhook server requires discord.public_key to be set",
		)
	}
	logger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()
	server := &DiscordWebhookServer{
		config: config,
		engine: r,
		logger: logger.With(loggerNameKey, "discord_webhook"),
	}

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
		WriteTimeout:      config.WriteTimeout,
	}
	if config.SSL != nil {
		tlsCfg, e := tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if e != nil {
			return nil, fmt.Errorf("error loading webhook SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	server.httpServer = httpServer

	if d.config.API != nil && d.config.API.Development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		discordRequestAuthenticationMiddleware(d.discord.publicKey),
	)

	r.POST(apiDiscordInteractions, webhookReceiveHandler(d))
	return server, nil
}

// WebhookHandler is a handler for Discord interactions received via webhook.
// The initial response is written directly to the HTTP response body, per
// https://discord.com/developers/docs/interactions/overview#preparing-for-interactions
//
//nolint:lll  // can't split link
type WebhookHandler struct {
	ginContext *gin.Context
	InteractionHandler
}

func (WebhookHandler) InteractionReceiveMethod() DiscordInteractionReceiveMethod {
	return discordInteractionReceiveMethodWebhook
}

func (w WebhookHandler) Respond(
	_ context.Context,
	response *discordgo.InteractionResponse,
) error {
	w.ginContext.JSON(http.StatusOK, response)
	return nil
}

// webhookReceiveHandler returns a [gin.HandlerFunc] for handling Discord
// webhook interactions. Discord PING interactions are answered directly,
// anything else goes through the normal interaction flow with the initial
// response written to the HTTP response.
func webhookReceiveHandler(d *Diabot) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID, _ := c.Get(xRequestIDHeader)
		logger := ginContextLogger(c).With(
			slog.Group(
				"webhook_request",
				"remote_addr", c.Request.RemoteAddr,
				"remote_ip", c.RemoteIP(),
				xRequestIDHeader, requestID,
			),
		)

		runCtx := WithLogger(c.Request.Context(), logger)

		defer func() {
			_ = c.Request.Body.Close()
		}()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			logger.ErrorContext(runCtx, "error getting raw data", tint.Err(err))
			c.JSON(
				http.StatusInternalServerError,
				httpError{Error: "error getting raw data"},
			)
			return
		}

		var interaction discordgo.InteractionCreate
		if e := json.Unmarshal(body, &interaction); e != nil {
			logger.ErrorContext(runCtx, "error unmarshalling body", tint.Err(e))
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: "error unmarshalling body"},
			)
			return
		}
		i := &interaction

		if i.Type == discordgo.InteractionPing {
			logger.InfoContext(runCtx, "got discord ping")
			c.JSON(
				http.StatusOK,
				discordgo.InteractionResponse{Type: discordgo.InteractionResponsePong},
			)
			return
		}

		handler := WebhookHandler{
			ginContext:         c,
			InteractionHandler: d.getInteractionHandlerFunc(runCtx, i),
		}
		d.handleInteraction(runCtx, handler)
	}
}

// discordRequestAuthenticationMiddleware is a middleware for verifying Discord
// webhook requests.
// See: https://discord.com/developers/docs/interactions/overview#setting-up-an-endpoint-validating-security-request-headers
//
//nolint:lll // can't split link
func discordRequestAuthenticationMiddleware(publicKey ed25519.PublicKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !verifyRequest(c.Request, publicKey) {
			ginContextLogger(c).WarnContext(c, "invalid signature")
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "invalid signature"},
			)
			return
		}
		c.Next()
	}
}

// verifyRequest verifies the authenticity of a Discord webhook request.
//
// It validates the X-Signature-Ed25519 header against the request
// timestamp and body, using the application's public key. The body is
// replaced with a re-readable copy.
func verifyRequest(r *http.Request, key ed25519.PublicKey) bool {
	var msg bytes.Buffer

	signature := r.Header.Get("X-Signature-Ed25519")
	if signature == "" {
		return false
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	if len(sig) != ed25519.SignatureSize || sig[63]&224 != 0 {
		return false
	}

	timestamp := r.Header.Get("X-Signature-Timestamp")
	if timestamp == "" {
		return false
	}

	msg.WriteString(timestamp)

	defer func() {
		_ = r.Body.Close()
	}()
	var body bytes.Buffer

	defer func() {
		r.Body = io.NopCloser(&body)
	}()

	_, err = io.Copy(&msg, io.TeeReader(r.Body, &body))
	if err != nil {
		return false
	}

	return ed25519.Verify(key, msg.Bytes(), sig)
}
