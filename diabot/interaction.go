package diabot

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	columnCommandLogInteractionID = "interaction_id"
	columnCommandLogState         = "state"
	columnCommandLogResponse      = "response"
	columnCommandLogError         = "error"
	columnCommandLogFinishedAt    = "finished_at"
	columnCommandLogAcknowledged  = "acknowledged"
)

// DiscordInteractionReceiveMethod identifies how an interaction reached
// the bot.
type DiscordInteractionReceiveMethod string

var (
	discordInteractionReceiveMethodGateway DiscordInteractionReceiveMethod = "gateway"
	discordInteractionReceiveMethodWebhook DiscordInteractionReceiveMethod = "webhook"
)

// CommandState tracks the lifecycle of a received slash command.
type CommandState string

const (
	CommandStateReceived  CommandState = "received"
	CommandStateCompleted CommandState = "completed"
	CommandStateFailed    CommandState = "failed"
	CommandStateIgnored   CommandState = "ignored"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	Method        DiscordInteractionReceiveMethod `json:"method" gorm:"type:string"`
	InteractionID string                          `json:"interaction_id" gorm:"not null"`
	Type          string                          `json:"type" gorm:"type:string"`
	UserID        string                          `json:"user_id" gorm:"not null"`
	Username      string                          `json:"username" gorm:"type:string"`
	AppID         string                          `json:"application_id" gorm:"type:string"`
	GuildID       string                          `json:"guild_id" gorm:"type:string"`
	ChannelID     string                          `json:"channel_id" gorm:"type:string"`
	Context       string                          `json:"context" gorm:"type:string"`
	Payload       string                          `json:"payload" gorm:"type:string"`
	CreatedAt     int64                           `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
	handler InteractionHandler,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Context:       interactionContextName(i.Context),
		Payload:       string(p),
		Method:        handler.InteractionReceiveMethod(),
	}
	return interactionLog, nil
}

// Interaction is a 'base' struct of fields for Discord interactions, shared
// across interaction types
type Interaction struct {
	UserID           string     `json:"user_id" gorm:"index;not null;default:null"`
	InteractionID    string     `json:"interaction_id" gorm:"not null;default:null;uniqueIndex"`
	DiscordMessageID string     `json:"discord_message_id" gorm:"type:string"`
	Token            string     `json:"token" gorm:"type:string"`
	TokenExpires     int64      `json:"token_expires"`
	AppID            string     `json:"application_id"`
	Type             string     `json:"type"`
	GuildID          string     `json:"guild_id"`
	ChannelID        string     `json:"channel_id"`
	CommandContext   string     `json:"context" gorm:"type:string"`
	Content          string     `json:"content" gorm:"type:string"`
	User             *User      `json:"user" gorm:"->"`
	StartedAt        *time.Time `json:"started_at" gorm:"type:timestamp"`

	FinishedAt   *time.Time `json:"finished_at" gorm:"type:timestamp"`
	Acknowledged bool       `json:"acknowledged"`

	// Response is the content of the final message returned
	// to the other, either the successful 'answer' response,
	// or possibly an error/warning message
	Response *string `json:"response" gorm:"type:string"`

	// Error is a string representation of error(s) encountered
	// while processing the request
	Error NullableString `json:"error"`
}

func NewUserInteraction(i *discordgo.InteractionCreate, u *User) *Interaction {
	created := time.Now().UTC()
	r := &Interaction{
		InteractionID:  i.ID,
		Token:          i.Token,
		TokenExpires:   created.Add(discordInteractionTokenLifespan).UnixMilli(),
		AppID:          i.AppID,
		Type:           i.Type.String(),
		GuildID:        i.GuildID,
		ChannelID:      i.ChannelID,
		CommandContext: interactionContextName(i.Context),
	}
	if u != nil {
		r.User = u
		r.UserID = u.ID
	}

	content, err := json.Marshal(i)
	if err != nil {
		slog.Default().Error(
			"error marshaling json",
			tint.Err(err),
			"interaction", r,
		)
	}
	r.Content = string(content)

	return r
}

func (i Interaction) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String(columnUserID, i.UserID),
		slog.String(columnCommandLogInteractionID, i.InteractionID),
		slog.Int64("token_expires", i.TokenExpires),
		slog.String("app_id", i.AppID),
		slog.String("type", i.Type),
		slog.String("command_context", i.CommandContext),
	)
}

// CommandLog is a record of a received slash command and its outcome.
//
//nolint:lll // struct tags can't be split
type CommandLog struct {
	ModelUintID
	Interaction

	// CommandName is the slash command name ('convert', 'graph', ...)
	CommandName string `json:"command_name" gorm:"column:command_name;index;type:string"`

	// Subcommand, if any ('set', 'channels add', ...)
	Subcommand string `json:"subcommand" gorm:"column:subcommand;type:string"`

	// State is the command's lifecycle state
	State CommandState `json:"state" gorm:"column:state;type:string"`

	// Method records whether the interaction arrived over the gateway
	// or the webhook receiver
	Method DiscordInteractionReceiveMethod `json:"method" gorm:"column:method;type:string"`

	ModelUnixTime
}

// NewCommandLog creates a CommandLog for the given interaction.
func NewCommandLog(
	i *discordgo.InteractionCreate,
	u *User,
	commandName string,
	method DiscordInteractionReceiveMethod,
) *CommandLog {
	return &CommandLog{
		Interaction: *NewUserInteraction(i, u),
		CommandName: commandName,
		State:       CommandStateReceived,
		Method:      method,
	}
}

func (c CommandLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.String("command_name", c.CommandName),
		slog.String("subcommand", c.Subcommand),
		slog.String(columnCommandLogState, string(c.State)),
		slog.String(columnUserID, c.UserID),
		slog.String(columnCommandLogInteractionID, c.InteractionID),
	)
}

// finalize records the command's final state, response and error.
func (c *CommandLog) finalize(
	state CommandState,
	response string,
	cmdErr error,
) map[string]any {
	now := time.Now().UTC()
	c.State = state
	c.FinishedAt = &now
	updates := map[string]any{
		columnCommandLogState:      state,
		columnCommandLogFinishedAt: &now,
	}
	if response != "" {
		c.Response = &response
		updates[columnCommandLogResponse] = &response
	}
	if cmdErr != nil {
		c.Error = NullableString(cmdErr.Error())
		updates[columnCommandLogError] = c.Error
	}
	return updates
}

type NullableString string

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) Scan(value any) error {
	if value == nil {
		*ns = ""
		return nil
	}
	strVal, ok := value.(string)
	if !ok {
		return errors.New("failed to cast to string")
	}
	*ns = NullableString(strVal)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) Value() (driver.Value, error) {
	if ns == "" {
		return nil, nil
	}
	return string(ns), nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) MarshalJSON() ([]byte, error) {
	if ns == "" {
		return []byte("null"), nil
	}
	return json.Marshal(string(ns))
}

//goland:noinspection GoMixedReceiverTypes
func (ns *NullableString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*ns = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*ns = NullableString(s)
	return nil
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) GoString() string {
	return string(ns)
}

//goland:noinspection GoMixedReceiverTypes
func (ns NullableString) String() string {
	return string(ns)
}
