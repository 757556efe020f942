package diabot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runInteraction runs the given interaction through the bot's full
// interaction handler, returning the stub handler so the test can
// inspect what was sent back to Discord.
func runInteraction(
	t testing.TB,
	bot *Diabot,
	i *discordgo.InteractionCreate,
) stubInteractionHandler {
	t.Helper()
	handler := bot.getInteractionHandlerFunc(context.Background(), i)
	bot.handleInteraction(context.Background(), handler)
	stub, ok := handler.(stubInteractionHandler)
	require.True(t, ok)
	return stub
}

// finalEditContent returns the content of the interaction edit the
// command finished with
func finalEditContent(t testing.TB, stub stubInteractionHandler) string {
	t.Helper()
	select {
	case edit := <-stub.callEdit:
		require.NotNil(t, edit.WebhookEdit)
		require.NotNil(t, edit.WebhookEdit.Content)
		return *edit.WebhookEdit.Content
	default:
		t.Fatal("expected an interaction edit")
	}
	return ""
}

func lastCommandLog(t testing.TB, bot *Diabot, interactionID string) CommandLog {
	t.Helper()
	var cmd CommandLog
	err := bot.db.Last(&cmd, "interaction_id = ?", interactionID).Error
	require.NoError(t, err)
	return cmd
}

func TestConvertCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	testCases := []struct {
		name          string
		value         float64
		unit          string
		expectState   CommandState
		expectContent string
	}{
		{
			name:          "mmol inferred",
			value:         5.5,
			expectState:   CommandStateCompleted,
			expectContent: "5.5 mmol/L is **99 mg/dL**",
		},
		{
			name:          "mgdl inferred",
			value:         154,
			expectState:   CommandStateCompleted,
			expectContent: "154 mg/dL is **8.5 mmol/L**",
		},
		{
			name:          "explicit mgdl",
			value:         100,
			unit:          "mg/dL",
			expectState:   CommandStateCompleted,
			expectContent: "100 mg/dL is **5.5 mmol/L**",
		},
		{
			name:        "ambiguous",
			value:       40,
			expectState: CommandStateCompleted,
			expectContent: "**40.0** could be either unit:\n" +
				"40.0 mmol/L is **721 mg/dL**\n" +
				"40 mg/dL is **2.2 mmol/L**",
		},
		{
			name:          "negative value",
			value:         -5,
			expectState:   CommandStateFailed,
			expectContent: "That doesn't look like a blood glucose value (`-5`)",
		},
	}

	for ind, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				options := []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  convertCommandValueOption,
						Type:  discordgo.ApplicationCommandOptionNumber,
						Value: tc.value,
					},
				}
				if tc.unit != "" {
					options = append(
						options,
						&discordgo.ApplicationCommandInteractionDataOption{
							Name:  convertCommandUnitOption,
							Type:  discordgo.ApplicationCommandOptionString,
							Value: tc.unit,
						},
					)
				}
				interactionID := fmt.Sprintf("i_%s_%d", t.Name(), ind)
				interaction := newDiscordInteraction(
					t,
					discordUser,
					interactionID,
					DiscordSlashCommandConvert,
					options,
				)
				stub := runInteraction(t, bot, interaction)

				// conversions are acknowledged without the ephemeral flag,
				// so the channel sees the result
				select {
				case ack := <-stub.callRespond:
					require.NotNil(t, ack.Data)
					assert.Equal(t, discordgo.MessageFlags(0), ack.Data.Flags)
				default:
					t.Fatal("expected an interaction ack")
				}

				assert.Equal(t, tc.expectContent, finalEditContent(t, stub))

				cmd := lastCommandLog(t, bot, interactionID)
				assert.Equal(t, tc.expectState, cmd.State)
				assert.True(t, cmd.Acknowledged)
				require.NotNil(t, cmd.Response)
				assert.Equal(t, tc.expectContent, *cmd.Response)
			},
		)
	}
}

func TestEstimateCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	testCases := []struct {
		name          string
		average       float64
		unit          string
		expectState   CommandState
		expectContent string
	}{
		{
			name:        "mgdl inferred",
			average:     154,
			expectState: CommandStateCompleted,
			expectContent: "An average of 154 mg/dL (8.5 mmol/L) " +
				"is an estimated A1c of **7.0%**",
		},
		{
			name:        "ambiguous average",
			average:     40,
			expectState: CommandStateCompleted,
			expectContent: "**40.0** could be either mmol/L or mg/dL - " +
				"re-run the command with the `unit` option set",
		},
		{
			name:        "explicit unit resolves ambiguity",
			average:     40,
			unit:        "mmol/L",
			expectState: CommandStateCompleted,
			expectContent: "An average of 721 mg/dL (40.0 mmol/L) " +
				"is an estimated A1c of **26.7%**",
		},
	}

	for ind, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				options := []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:  estimateCommandAverageOption,
						Type:  discordgo.ApplicationCommandOptionNumber,
						Value: tc.average,
					},
				}
				if tc.unit != "" {
					options = append(
						options,
						&discordgo.ApplicationCommandInteractionDataOption{
							Name:  convertCommandUnitOption,
							Type:  discordgo.ApplicationCommandOptionString,
							Value: tc.unit,
						},
					)
				}
				interactionID := fmt.Sprintf("i_%s_%d", t.Name(), ind)
				interaction := newDiscordInteraction(
					t,
					discordUser,
					interactionID,
					DiscordSlashCommandEstimate,
					options,
				)
				stub := runInteraction(t, bot, interaction)

				assert.Equal(t, tc.expectContent, finalEditContent(t, stub))
				cmd := lastCommandLog(t, bot, interactionID)
				assert.Equal(t, tc.expectState, cmd.State)
			},
		)
	}
}

// nightscoutSubcommandInteraction builds a /nightscout interaction with
// the given subcommand and options
func nightscoutSubcommandInteraction(
	t testing.TB,
	u *discordgo.User,
	subcommand string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	return newDiscordInteraction(
		t,
		u,
		"",
		DiscordSlashCommandNightscout,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:    subcommand,
				Type:    discordgo.ApplicationCommandOptionSubCommand,
				Options: options,
			},
		},
	)
}

// newNightscoutTestServer serves canned Nightscout status and entries
// responses
func newNightscoutTestServer(
	t testing.TB,
	units string,
	entries []NightscoutEntry,
) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(
		nightscoutStatusPath, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			status := NightscoutStatus{}
			status.Settings.Units = units
			status.Settings.Thresholds.BgHigh = 260
			status.Settings.Thresholds.BgTargetTop = 180
			status.Settings.Thresholds.BgTargetBottom = 80
			status.Settings.Thresholds.BgLow = 55
			_ = json.NewEncoder(w).Encode(status)
		},
	)
	mux.HandleFunc(
		nightscoutEntriesPath, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if entries == nil {
				_, _ = w.Write([]byte("[]"))
				return
			}
			_ = json.NewEncoder(w).Encode(entries)
		},
	)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNightscoutCommand_Set(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	srv := newNightscoutTestServer(t, "mmol", nil)

	interaction := nightscoutSubcommandInteraction(
		t,
		discordUser,
		nightscoutSubcommandSet,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  nightscoutURLOption,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: srv.URL,
			},
		},
	)
	stub := runInteraction(t, bot, interaction)

	// nightscout settings are always ephemeral
	select {
	case ack := <-stub.callRespond:
		require.NotNil(t, ack.Data)
		assert.Equal(t, discordgo.MessageFlagsEphemeral, ack.Data.Flags)
	default:
		t.Fatal("expected an interaction ack")
	}

	assert.Equal(
		t,
		"Saved your Nightscout URL! Your site reports its units as **mmol/L**",
		finalEditContent(t, stub),
	)

	cmd := lastCommandLog(t, bot, interaction.ID)
	assert.Equal(t, CommandStateCompleted, cmd.State)
	assert.Equal(t, nightscoutSubcommandSet, cmd.Subcommand)

	var dbUser User
	require.NoError(t, bot.db.First(&dbUser, "id = ?", discordUser.ID).Error)
	assert.Equal(t, srv.URL, dbUser.NightscoutURL)
}

func TestNightscoutCommand_SetUnreachable(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	interaction := nightscoutSubcommandInteraction(
		t,
		discordUser,
		nightscoutSubcommandSet,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  nightscoutURLOption,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "http://127.0.0.1:1",
			},
		},
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(
		t,
		"Saved your Nightscout URL, but I couldn't reach the site - "+
			"double-check the address, and set a token with "+
			"`/nightscout token` if your site isn't public",
		finalEditContent(t, stub),
	)

	// the URL is kept regardless, so a temporarily-down site isn't lost
	var dbUser User
	require.NoError(t, bot.db.First(&dbUser, "id = ?", discordUser.ID).Error)
	assert.Equal(t, "http://127.0.0.1:1", dbUser.NightscoutURL)
}

func TestNightscoutCommand_SetBadURL(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	interaction := nightscoutSubcommandInteraction(
		t,
		discordUser,
		nightscoutSubcommandSet,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  nightscoutURLOption,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "notaurl",
			},
		},
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(
		t,
		"That doesn't look like a Nightscout URL (`notaurl`) - "+
			"it should look like `https://yoursite.example.com`",
		finalEditContent(t, stub),
	)

	var dbUser User
	require.NoError(t, bot.db.First(&dbUser, "id = ?", discordUser.ID).Error)
	assert.Empty(t, dbUser.NightscoutURL)
}

func TestNightscoutCommand_Token(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	interaction := nightscoutSubcommandInteraction(
		t,
		discordUser,
		nightscoutSubcommandToken,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  nightscoutTokenOption,
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "some-access-token",
			},
		},
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(
		t,
		"Saved your Nightscout token - set your site URL with `/nightscout set`",
		finalEditContent(t, stub),
	)

	var dbUser User
	require.NoError(t, bot.db.First(&dbUser, "id = ?", discordUser.ID).Error)
	assert.Equal(t, "some-access-token", dbUser.NightscoutToken)
}

func TestNightscoutCommand_Clear(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()
	discordUser := newDiscordUser(t)

	u, _, err := bot.GetOrCreateUser(ctx, *discordUser)
	require.NoError(t, err)
	_, err = bot.writeDB.Updates(
		ctx, u, map[string]any{
			columnUserNightscoutURL: "https://cgm.example.com",
			columnUserNightscoutTkn: "token",
		},
	)
	require.NoError(t, err)

	interaction := nightscoutSubcommandInteraction(
		t,
		discordUser,
		nightscoutSubcommandClear,
		nil,
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(t, "Cleared your Nightscout settings", finalEditContent(t, stub))

	var dbUser User
	require.NoError(t, bot.db.First(&dbUser, "id = ?", discordUser.ID).Error)
	assert.Empty(t, dbUser.NightscoutURL)
	assert.Empty(t, dbUser.NightscoutToken)
}

func TestGraphCommand_NoNightscoutURL(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	interaction := newDiscordInteraction(
		t,
		discordUser,
		"",
		DiscordSlashCommandGraph,
		nil,
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(
		t,
		"You don't have a Nightscout site configured - "+
			"set one with `/nightscout set`",
		finalEditContent(t, stub),
	)
	cmd := lastCommandLog(t, bot, interaction.ID)
	assert.Equal(t, CommandStateCompleted, cmd.State)
	assert.Contains(t, cmd.Error.String(), "no nightscout URL configured")
}

func TestGraphCommand_NoReadings(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()
	discordUser := newDiscordUser(t)

	srv := newNightscoutTestServer(t, "mg/dl", nil)

	u, _, err := bot.GetOrCreateUser(ctx, *discordUser)
	require.NoError(t, err)
	_, err = bot.writeDB.Update(ctx, u, columnUserNightscoutURL, srv.URL)
	require.NoError(t, err)

	interaction := newDiscordInteraction(
		t,
		discordUser,
		"",
		DiscordSlashCommandGraph,
		nil,
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(
		t,
		"No readings found in the last 4 hours",
		finalEditContent(t, stub),
	)
}

func TestGraphCommand(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	ctx := context.Background()
	discordUser := newDiscordUser(t)

	// an hour of 5-minute readings, most recent first
	now := time.Now().UTC()
	entries := make([]NightscoutEntry, 0, 12)
	for i := 0; i < 12; i++ {
		entries = append(
			entries, NightscoutEntry{
				SGV:       120 + i,
				Date:      now.Add(-time.Duration(i) * 5 * time.Minute).UnixMilli(),
				Direction: "Flat",
				Type:      "sgv",
			},
		)
	}
	srv := newNightscoutTestServer(t, "mg/dl", entries)

	u, _, err := bot.GetOrCreateUser(ctx, *discordUser)
	require.NoError(t, err)
	_, err = bot.writeDB.Update(ctx, u, columnUserNightscoutURL, srv.URL)
	require.NoError(t, err)

	interaction := newDiscordInteraction(
		t,
		discordUser,
		"",
		DiscordSlashCommandGraph,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name:  graphCommandHoursOption,
				Type:  discordgo.ApplicationCommandOptionInteger,
				Value: float64(1),
			},
		},
	)
	stub := runInteraction(t, bot, interaction)

	// the graph ack shows the 'thinking' state while the chart renders
	select {
	case ack := <-stub.callRespond:
		require.NotNil(t, ack.Data)
		assert.Equal(t, discordgo.MessageFlagsLoading, ack.Data.Flags)
	default:
		t.Fatal("expected an interaction ack")
	}

	select {
	case edit := <-stub.callEdit:
		require.NotNil(t, edit.WebhookEdit)
		require.NotNil(t, edit.WebhookEdit.Content)
		caption := *edit.WebhookEdit.Content
		assert.Contains(t, caption, "**120 mg/dL**")
		assert.Contains(t, caption, "→")

		require.Len(t, edit.WebhookEdit.Files, 1)
		chart := edit.WebhookEdit.Files[0]
		assert.Equal(t, "glucose.png", chart.Name)
		assert.Equal(t, "image/png", chart.ContentType)
		require.NotNil(t, chart.Reader)
	default:
		t.Fatal("expected an interaction edit with the chart attached")
	}

	cmd := lastCommandLog(t, bot, interaction.ID)
	assert.Equal(t, CommandStateCompleted, cmd.State)
	require.NotNil(t, cmd.Response)
	assert.Contains(t, *cmd.Response, "**120 mg/dL**")
}

// adminChannelsInteraction builds a /diabot-admin channels subcommand
// interaction issued from a guild channel
func adminChannelsInteraction(
	t testing.TB,
	u *discordgo.User,
	interactionID string,
	guildID string,
	channelID string,
	subcommand string,
	options []*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	t.Helper()
	i := newGuildDiscordInteraction(
		t,
		u,
		guildID,
		channelID,
		DiscordSlashCommandAdmin,
		[]*discordgo.ApplicationCommandInteractionDataOption{
			{
				Name: adminSubcommandGroupChannels,
				Type: discordgo.ApplicationCommandOptionSubCommandGroup,
				Options: []*discordgo.ApplicationCommandInteractionDataOption{
					{
						Name:    subcommand,
						Type:    discordgo.ApplicationCommandOptionSubCommand,
						Options: options,
					},
				},
			},
		},
	)
	if interactionID != "" {
		i.ID = interactionID
	}
	return i
}

func TestAdminCommand_GuildOnly(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)

	// a DM interaction has no guild ID
	interaction := newDiscordInteraction(
		t,
		discordUser,
		"",
		DiscordSlashCommandAdmin,
		nil,
	)
	stub := runInteraction(t, bot, interaction)

	assert.Equal(
		t,
		"This command can only be used in a server",
		finalEditContent(t, stub),
	)
}

func TestAdminCommand_AddListDelete(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)
	ids := newCommandData(t)

	guildID := ids.GuildID
	invokeChannelID := ids.ChannelID
	targetChannelID := fmt.Sprintf("target_%s", t.Name())

	bot.discord.session = discordChannelLookupHandler{
		DiscordSessionHandler: bot.discord.session,
		channels: map[string]*discordgo.Channel{
			targetChannelID: {
				ID:      targetChannelID,
				Name:    "mod-channel",
				GuildID: guildID,
			},
		},
	}

	// nothing registered yet, so any channel can run admin commands
	stub := runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "i_1", guildID, invokeChannelID,
			adminSubcommandList, nil,
		),
	)
	assert.Equal(
		t,
		"No admin channels registered - any channel can run admin "+
			"commands until one is added",
		finalEditContent(t, stub),
	)

	stub = runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "i_2", guildID, invokeChannelID,
			adminSubcommandAdd,
			[]*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:  adminChannelOption,
					Type:  discordgo.ApplicationCommandOptionChannel,
					Value: targetChannelID,
				},
			},
		),
	)
	assert.Equal(
		t,
		fmt.Sprintf("Registered <#%s> as an admin channel", targetChannelID),
		finalEditContent(t, stub),
	)
	cmd := lastCommandLog(t, bot, "i_2")
	assert.Equal(t, CommandStateCompleted, cmd.State)
	assert.Equal(
		t,
		fmt.Sprintf("%s %s", adminSubcommandGroupChannels, adminSubcommandAdd),
		cmd.Subcommand,
	)

	channels, err := ListAdminChannels(context.Background(), bot.db, guildID)
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, targetChannelID, channels[0].ChannelID)
	assert.Equal(t, "mod-channel", channels[0].ChannelName)

	// now that a channel is registered, the invoking channel is no
	// longer allowed
	stub = runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "i_3", guildID, invokeChannelID,
			adminSubcommandList, nil,
		),
	)
	assert.Equal(
		t,
		"Admin commands can only be used from a registered admin channel",
		finalEditContent(t, stub),
	)

	// from the registered channel, list shows the registration
	stub = runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "i_4", guildID, targetChannelID,
			adminSubcommandList, nil,
		),
	)
	assert.Equal(
		t,
		fmt.Sprintf(
			"Registered admin channels:\n- <#%s> (`mod-channel`)",
			targetChannelID,
		),
		finalEditContent(t, stub),
	)

	stub = runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "i_5", guildID, targetChannelID,
			adminSubcommandDelete,
			[]*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:  adminChannelOption,
					Type:  discordgo.ApplicationCommandOptionChannel,
					Value: targetChannelID,
				},
			},
		),
	)
	assert.Equal(
		t,
		fmt.Sprintf("Removed <#%s> from admin channels", targetChannelID),
		finalEditContent(t, stub),
	)

	channels, err = ListAdminChannels(context.Background(), bot.db, guildID)
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestAdminCommand_DeleteUnregistered(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)
	ids := newCommandData(t)

	stub := runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "", ids.GuildID, ids.ChannelID,
			adminSubcommandDelete,
			[]*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:  adminChannelOption,
					Type:  discordgo.ApplicationCommandOptionChannel,
					Value: "nonexistent",
				},
			},
		),
	)
	assert.Equal(
		t,
		"<#nonexistent> isn't a registered admin channel",
		finalEditContent(t, stub),
	)
}

func TestAdminCommand_AddChannelWrongGuild(t *testing.T) {
	t.Parallel()
	bot, _ := newDiabot(t)
	discordUser := newDiscordUser(t)
	ids := newCommandData(t)

	targetChannelID := fmt.Sprintf("target_%s", t.Name())
	bot.discord.session = discordChannelLookupHandler{
		DiscordSessionHandler: bot.discord.session,
		channels: map[string]*discordgo.Channel{
			targetChannelID: {
				ID:      targetChannelID,
				Name:    "other-guild-channel",
				GuildID: "some_other_guild",
			},
		},
	}

	stub := runInteraction(
		t, bot, adminChannelsInteraction(
			t, discordUser, "", ids.GuildID, ids.ChannelID,
			adminSubcommandAdd,
			[]*discordgo.ApplicationCommandInteractionDataOption{
				{
					Name:  adminChannelOption,
					Type:  discordgo.ApplicationCommandOptionChannel,
					Value: targetChannelID,
				},
			},
		),
	)
	assert.Equal(
		t,
		fmt.Sprintf("Channel <#%s> not found in this server", targetChannelID),
		finalEditContent(t, stub),
	)

	channels, err := ListAdminChannels(context.Background(), bot.db, ids.GuildID)
	require.NoError(t, err)
	assert.Empty(t, channels)
}
