package diabot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPILoginRateLimit(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)

	requestLogin := func() int {
		w := httptest.NewRecorder()
		login := userLogin{
			Username: fmt.Sprintf("user_%s", t.Name()),
			Password: fmt.Sprintf("password_%s", t.Name()),
		}
		loginData, err := json.Marshal(login)
		require.NoError(t, err)
		req, err := http.NewRequest(
			http.MethodPost,
			apiPathLogin,
			bytes.NewReader(loginData),
		)
		req.Header.Add("Content-Type", "application/json")

		require.NoError(t, err)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		resp := w.Result()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, requestLogin())

	resultCodes := make(chan int, 5)
	wg := sync.WaitGroup{}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resultCodes <- requestLogin()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)

	doneCh := make(chan struct{}, 1)
	go func() {
		wg.Wait()
		close(resultCodes)
		doneCh <- struct{}{}
	}()

	select {
	case <-doneCh:
		//
	case <-ctx.Done():
		t.Fatalf("context cancelled: %v", ctx.Err())
	}

	tooManyRequestsSeen := false
	codesSeen := []int{}
	for rc := range resultCodes {
		codesSeen = append(codesSeen, rc)
		if rc == http.StatusTooManyRequests {
			tooManyRequestsSeen = true
			break
		}
	}
	assert.Truef(
		t,
		tooManyRequestsSeen,
		"expected to see %d, saw: %#v",
		http.StatusTooManyRequests,
		codesSeen,
	)
}

func TestAPI_LoggedIn(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	bot.config.API.Development = false
	requestLogin := func() *http.Response {
		w := httptest.NewRecorder()
		login := userLogin{
			Username: bot.RuntimeConfig().AdminUsername,
			Password: fmt.Sprintf("password_%s", t.Name()),
		}
		loginData, err := json.Marshal(login)
		require.NoError(t, err)
		req, err := http.NewRequest(
			http.MethodPost,
			apiPathLogin,
			bytes.NewReader(loginData),
		)
		req.Header.Add("Content-Type", "application/json")

		require.NoError(t, err)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		return w.Result()
	}
	rv := requestLogin()
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	cookies := rv.Cookies()
	assert.Equal(t, 1, len(cookies))
	cookie := cookies[0]

	t.Logf("cookie: %#v", cookie.String())
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)
	assert.Equal(t, int(bot.config.API.SessionMaxAge.Seconds()), cookie.MaxAge)

	loggedIn := func() *http.Response {
		w := httptest.NewRecorder()
		req, err := http.NewRequest(
			http.MethodGet,
			fmt.Sprintf("%s%s", apiPrefix, apiPathLoggedIn),
			http.NoBody,
		)
		require.NoError(t, err)
		req.AddCookie(cookie)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		resp := w.Result()
		return resp
	}
	loggedInResp := loggedIn()
	assert.Equal(t, http.StatusOK, loggedInResp.StatusCode)

	data, err := io.ReadAll(loggedInResp.Body)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			e := loggedInResp.Body.Close()
			if e != nil {
				t.Logf("error closing body: %s", e.Error())
			}
		},
	)

	var crv loggedInResponse
	err = json.Unmarshal(data, &crv)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("user_%s", t.Name()), crv.Username)
}

func TestAPI_NotLoggedIn(t *testing.T) {
	bot, _ := newDiabot(t)

	requestLogin := func() int {
		w := httptest.NewRecorder()
		login := userLogin{
			Username: fmt.Sprintf("user_%s", t.Name()),
			Password: fmt.Sprintf("wrong_password_%s", t.Name()),
		}
		loginData, err := json.Marshal(login)
		require.NoError(t, err)
		req, err := http.NewRequest(
			http.MethodPost,
			apiPathLogin,
			bytes.NewReader(loginData),
		)
		req.Header.Add("Content-Type", "application/json")

		require.NoError(t, err)
		c, _ := gin.CreateTestContext(w)
		c.Request = req

		bot.api.engine.ServeHTTP(w, req)
		resp := w.Result()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, requestLogin())
}

func TestAPI_Unauthorized(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(
		http.MethodGet,
		fmt.Sprintf("%s%s", apiPrefix, apiPathUsers),
		http.NoBody,
	)
	require.NoError(t, err)
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Result().StatusCode)
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, apiHealthCheck, http.NoBody)
	require.NoError(t, err)
	bot.api.engine.ServeHTTP(w, req)
	resp := w.Result()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var health healthCheckResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.False(t, health.Paused)
	assert.Equal(t, int64(0), health.CommandsInProgress)
}

func TestAPI_GetConfig(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(t, handlers.getConfig, http.MethodGet, http.NoBody)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var cfg RuntimeConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, bot.RuntimeConfig().GraphDefaultHours, cfg.GraphDefaultHours)
	assert.Equal(t, bot.RuntimeConfig().DefaultUnits, cfg.DefaultUnits)
}

func TestAPI_UpdateConfig(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	newHours := 12
	newUnits := UnitMmol
	updateData := RuntimeConfigUpdate{
		GraphDefaultHours: &newHours,
		DefaultUnits:      &newUnits,
	}
	payload, err := json.Marshal(updateData)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.updateRuntimeConfig,
		http.MethodPatch,
		bytes.NewReader(payload),
	)
	assert.Equal(t, http.StatusAccepted, rv.StatusCode)

	assert.Equal(t, 12, bot.RuntimeConfig().GraphDefaultHours)
	assert.Equal(t, UnitMmol, bot.RuntimeConfig().DefaultUnits)
}

func TestAPI_UpdateConfigBadPayload(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(
		t,
		handlers.updateRuntimeConfig,
		http.MethodPatch,
		bytes.NewReader([]byte(`{"graph_default_hours": 9000}`)),
	)
	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)

	assert.Equal(t, 4, bot.RuntimeConfig().GraphDefaultHours)
}

func TestAPI_UserUpdate(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)
	u, _, err := bot.GetOrCreateUser(
		context.Background(),
		discordgo.User{ID: "foo"},
	)
	require.NoError(t, err)
	assert.False(t, u.Ignored)

	newIgnored := true
	newUnits := UnitMmol
	newURL := "https://cgm.example.com"
	updateData := apiPatchUser{
		Ignored:        &newIgnored,
		PreferredUnits: &newUnits,
		NightscoutURL:  &newURL,
	}

	payload, err := json.Marshal(updateData)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.updateUser,
		http.MethodPatch,
		bytes.NewReader(payload),
		gin.Param{Key: "id", Value: u.ID},
	)

	if !assert.Equal(t, http.StatusAccepted, rv.StatusCode) {
		body := rv.Body
		defer func() {
			_ = body.Close()
		}()
		data, e := io.ReadAll(body)
		require.NoError(t, e)
		t.Fatalf(
			"unexpected status code: %d (data: %s)",
			rv.StatusCode,
			string(data),
		)
	}

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	var userData User
	bodyData, err := io.ReadAll(body)
	require.NoError(t, err)
	err = json.Unmarshal(bodyData, &userData)
	require.NoError(t, err)
	assert.True(t, userData.Ignored)
	assert.Equal(t, UnitMmol, userData.PreferredUnits)
	assert.Equal(t, newURL, userData.NightscoutURL)

	userCache := bot.writeDB.UserCache()
	require.NotNil(t, userCache)
	user, ok := userCache[u.ID]
	require.True(t, ok)
	assert.Equal(t, UnitMmol, user.PreferredUnits)
	assert.Equal(t, newURL, user.NightscoutURL)
}

func TestAPI_BadUserUpdate(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)
	u, _, err := bot.GetOrCreateUser(
		context.Background(),
		discordgo.User{ID: "foo"},
	)
	require.NoError(t, err)

	badUnits := GlucoseUnit("furlongs")
	updateData := apiPatchUser{PreferredUnits: &badUnits}

	payload, err := json.Marshal(updateData)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.updateUser,
		http.MethodPatch,
		bytes.NewReader(payload),
		gin.Param{Key: "id", Value: u.ID},
	)

	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)
}

func TestAPI_GetUsersWithStats(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)
	ctx := context.Background()

	u, _, err := bot.GetOrCreateUser(ctx, discordgo.User{ID: "foo"})
	require.NoError(t, err)
	_, _, err = bot.GetOrCreateUser(ctx, discordgo.User{ID: "bar"})
	require.NoError(t, err)

	commandLog := CommandLog{
		CommandName: DiscordSlashCommandConvert,
		Interaction: Interaction{
			UserID:        u.ID,
			InteractionID: fmt.Sprintf("i_%s", t.Name()),
		},
	}
	require.NoError(t, bot.db.Create(&commandLog).Error)

	req, err := http.NewRequest(
		http.MethodGet,
		"/?include_stats=true",
		http.NoBody,
	)
	require.NoError(t, err)
	rv := handleTestHTTPRequest(t, handlers.getUsers, req)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var users []userWithStats
	require.NoError(t, json.Unmarshal(data, &users))
	require.Len(t, users, 2)

	byID := map[string]userWithStats{}
	for _, uws := range users {
		require.NotNil(t, uws.UserStats)
		byID[uws.ID] = uws
	}
	assert.Equal(t, 1, byID["foo"].UserStats.Commands[DiscordSlashCommandConvert])
	assert.Empty(t, byID["bar"].UserStats.Commands)
}

func TestAPI_GetUserHistory(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)
	ctx := context.Background()

	u, _, err := bot.GetOrCreateUser(
		ctx,
		discordgo.User{ID: "foo", Username: "foo"},
	)
	require.NoError(t, err)

	response := "5.5 mmol/L is **99 mg/dL**"
	commandLogs := []CommandLog{
		{
			CommandName: DiscordSlashCommandConvert,
			State:       CommandStateCompleted,
			Interaction: Interaction{
				UserID:        u.ID,
				InteractionID: fmt.Sprintf("i_%s_1", t.Name()),
				Response:      &response,
			},
		},
		{
			CommandName: DiscordSlashCommandNightscout,
			Subcommand:  nightscoutSubcommandSet,
			State:       CommandStateCompleted,
			Interaction: Interaction{
				UserID:        u.ID,
				InteractionID: fmt.Sprintf("i_%s_2", t.Name()),
			},
		},
	}
	require.NoError(t, bot.db.Create(&commandLogs).Error)

	req, err := http.NewRequest(http.MethodGet, "/", http.NoBody)
	require.NoError(t, err)
	rv := handleTestHTTPRequest(
		t,
		handlers.getUserHistory,
		req,
		gin.Param{Key: "id", Value: u.ID},
	)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var history []userHistoryItem
	require.NoError(t, json.Unmarshal(data, &history))
	require.Len(t, history, 2)
	assert.Equal(t, DiscordSlashCommandConvert, history[0].CommandName)
	require.NotNil(t, history[0].Response)
	assert.Equal(t, response, *history[0].Response)
	assert.Equal(t, nightscoutSubcommandSet, history[1].Subcommand)

	// unknown user IDs are a 404, not an empty list
	req, err = http.NewRequest(http.MethodGet, "/", http.NoBody)
	require.NoError(t, err)
	rv = handleTestHTTPRequest(
		t,
		handlers.getUserHistory,
		req,
		gin.Param{Key: "id", Value: "nonexistent"},
	)
	assert.Equal(t, http.StatusNotFound, rv.StatusCode)
}

func TestAPI_GetCommandLogs(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)
	ctx := context.Background()

	u, _, err := bot.GetOrCreateUser(
		ctx,
		discordgo.User{ID: "foo", Username: "foo"},
	)
	require.NoError(t, err)

	commandLogs := []CommandLog{
		{
			CommandName: DiscordSlashCommandConvert,
			State:       CommandStateCompleted,
			Interaction: Interaction{
				UserID:        u.ID,
				InteractionID: fmt.Sprintf("i_%s_1", t.Name()),
			},
		},
		{
			CommandName: DiscordSlashCommandGraph,
			State:       CommandStateFailed,
			Interaction: Interaction{
				UserID:        u.ID,
				InteractionID: fmt.Sprintf("i_%s_2", t.Name()),
			},
		},
	}
	require.NoError(t, bot.db.Create(&commandLogs).Error)

	req, err := http.NewRequest(
		http.MethodGet,
		fmt.Sprintf("/?command=%s", DiscordSlashCommandConvert),
		http.NoBody,
	)
	require.NoError(t, err)
	rv := handleTestHTTPRequest(t, handlers.getCommandLogs, req)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var logs []CommandLog
	require.NoError(t, json.Unmarshal(data, &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, DiscordSlashCommandConvert, logs[0].CommandName)

	req, err = http.NewRequest(http.MethodGet, "/?start_date=bogus", http.NoBody)
	require.NoError(t, err)
	rv = handleTestHTTPRequest(t, handlers.getCommandLogs, req)
	assert.Equal(t, http.StatusBadRequest, rv.StatusCode)
}

func TestAPI_GetAdminChannels(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)
	ctx := context.Background()

	_, err := AddAdminChannel(ctx, bot.writeDB, "guild_1", "chan_1", "mods")
	require.NoError(t, err)
	_, err = AddAdminChannel(ctx, bot.writeDB, "guild_2", "chan_2", "admins")
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, "/", http.NoBody)
	require.NoError(t, err)
	rv := handleTestHTTPRequest(t, handlers.getAdminChannels, req)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var channels []AdminChannel
	require.NoError(t, json.Unmarshal(data, &channels))
	require.Len(t, channels, 2)
	assert.Equal(t, "guild_1", channels[0].GuildID)

	req, err = http.NewRequest(http.MethodGet, "/?guild_id=guild_2", http.NoBody)
	require.NoError(t, err)
	rv = handleTestHTTPRequest(t, handlers.getAdminChannels, req)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	data, err = io.ReadAll(rv.Body)
	require.NoError(t, err)
	channels = nil
	require.NoError(t, json.Unmarshal(data, &channels))
	require.Len(t, channels, 1)
	assert.Equal(t, "chan_2", channels[0].ChannelID)
}

func TestAPI_PauseResume(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(t, handlers.botPause, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	assert.True(t, bot.paused.Load())

	rv = handleTestRequest(t, handlers.botPause, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusConflict, rv.StatusCode)

	rv = handleTestRequest(t, handlers.botResume, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusOK, rv.StatusCode)
	assert.False(t, bot.paused.Load())

	rv = handleTestRequest(t, handlers.botResume, http.MethodPost, http.NoBody)
	assert.Equal(t, http.StatusConflict, rv.StatusCode)
}

func TestAPI_RegisterCommands(t *testing.T) {
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	rv := handleTestRequest(
		t,
		handlers.discordRegisterCommands,
		http.MethodPost,
		http.NoBody,
	)

	assert.Equal(t, http.StatusCreated, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	var createdCommands []*discordgo.ApplicationCommand
	bodyData, err := io.ReadAll(body)
	require.NoError(t, err)
	err = json.Unmarshal(bodyData, &createdCommands)
	require.NoError(t, err)
	require.Len(t, createdCommands, 5)

	names := make([]string, len(createdCommands))
	for i, cmd := range createdCommands {
		names[i] = cmd.Name
	}
	assert.Contains(t, names, DiscordSlashCommandConvert)
	assert.Contains(t, names, DiscordSlashCommandAdmin)
}

func TestAPI_SetupStatus(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	// the test harness sets admin credentials, so setup isn't pending
	rv := handleTestRequest(t, handlers.setupStatus, http.MethodGet, http.NoBody)
	assert.Equal(t, http.StatusOK, rv.StatusCode)

	body := rv.Body
	defer func() {
		_ = body.Close()
	}()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	var status setupResponse
	require.NoError(t, json.Unmarshal(data, &status))
	assert.False(t, status.Required)
}

func TestAPI_AdminSetup_Forbidden(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	handlers := NewAPIHandlers(bot)

	payload, err := json.Marshal(
		adminSetupPayload{
			Username:        "newadmin",
			Password:        "password",
			ConfirmPassword: "password",
		},
	)
	require.NoError(t, err)

	rv := handleTestRequest(
		t,
		handlers.adminSetup,
		http.MethodPost,
		bytes.NewReader(payload),
	)
	assert.Equal(t, http.StatusForbidden, rv.StatusCode)
}

func TestAPIHandlers_logoutHandler(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodPost, apiPathLogout, http.NoBody)
	require.NoError(t, err)
	bot.api.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
}

func TestGinContextLogger_ExistingLogger(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	logger := slog.Default().With(loggerNameKey, t.Name())
	c.Set(string(loggerContextKey), logger)
	assert.Equal(t, logger, ginContextLogger(c))
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)

	w := httptest.NewRecorder()
	req, err := http.NewRequest(http.MethodGet, apiHealthCheck, http.NoBody)
	require.NoError(t, err)
	bot.api.engine.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func handleTestRequest(
	t testing.TB,
	handler gin.HandlerFunc,
	method string,
	body io.Reader,
	params ...gin.Param,
) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	doneCh := make(chan struct{}, 1)

	req, err := http.NewRequest(method, "/", body)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	if len(params) > 0 {
		c.Params = params
	}
	go func() {
		t.Logf("calling handler! %s", t.Name())
		handler(c)
		doneCh <- struct{}{}
	}()
	select {
	case <-doneCh:
		t.Logf("handler finished!")
	case <-ctx.Done():
		t.Fatalf("%s timed out", t.Name())
	}
	return w.Result()
}

func handleTestHTTPRequest(
	t testing.TB,
	handler gin.HandlerFunc,
	req *http.Request,
	params ...gin.Param,
) *http.Response {
	t.Helper()

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	if len(params) > 0 {
		c.Params = params
	}
	handler(c)
	return w.Result()
}
