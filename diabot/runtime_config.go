package diabot

import (
	"context"
	"log/slog"
	"reflect"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	columnRuntimeConfigAdminUsername = "admin_username"
	columnRuntimeConfigAdminPassword = "admin_password"
	columnRuntimeConfigDefaultUnits  = "default_units"
	columnRuntimeConfigPaused        = "paused"
)

// CommandOptions holds command-handling options shared by all of the
// bot's slash commands.
//
//nolint:lll // struct tags can't be split
type CommandOptions struct {
	// RecoverPanic determines whether the bot should recover from panics
	// while processing user commands
	RecoverPanic bool `json:"recover_panic" gorm:"not null;default:false"`

	// Error message to send to the user if an error is encountered during
	// their command execution, which prevents the command from finishing normally
	DiscordErrorMessage string `json:"discord_error_message" gorm:"type:string"`

	// Message sent to the user if they've exceeded their rate limit, or
	// if they send a command while one is already in progress
	DiscordRateLimitMessage string `json:"discord_rate_limit_message" gorm:"type:string"`

	// If specified, the bot will send certain events to the specified channel,
	// such as errors, when a new user is seen, when the bot connects, etc.
	DiscordNotificationChannelID string `json:"discord_notification_channel_id" gorm:"type:string"`
}

// RuntimeConfig represents the runtime configuration of the bot.
// It stores settings that can be modified during runtime and persisted
// across restarts. This struct is used to manage the 'live' application state
// for states we would want to maintain across restarts (e.g., being paused).
//
//nolint:lll // struct tags can't be split
type RuntimeConfig struct {
	ModelUintID
	ModelUnixTime
	CommandOptions

	// Paused indicates whether the bot is currently paused.
	Paused bool `json:"paused" gorm:"not null;default:false"`

	// Opens a discord gateway websocket connection. Required for the bot
	// to receive slash commands.
	DiscordGatewayEnabled bool `json:"discord_gateway_enabled" gorm:"not null;default:true"`

	// DiscordCustomStatus is the custom status message displayed for the bot on Discord.
	DiscordCustomStatus string `json:"discord_custom_status" gorm:"type:string"`

	// ConvertCommandDescription is the description for the 'convert' command.
	ConvertCommandDescription string `json:"convert_command_description" gorm:"default:Convert a blood glucose value between mmol/L and mg/dL" binding:"min=1,max=100"`

	// EstimateCommandDescription is the description for the 'estimate' command.
	EstimateCommandDescription string `json:"estimate_command_description" gorm:"default:Estimate A1c from an average blood glucose" binding:"min=1,max=100"`

	// GraphCommandDescription is the description for the 'graph' command.
	GraphCommandDescription string `json:"graph_command_description" gorm:"default:Graph your recent Nightscout readings" binding:"min=1,max=100"`

	// NightscoutCommandDescription is the description for the 'nightscout' command.
	NightscoutCommandDescription string `json:"nightscout_command_description" gorm:"default:Manage your Nightscout settings" binding:"min=1,max=100"`

	// GraphDefaultHours is the default time window for the graph command,
	// in hours, when the user doesn't give one.
	GraphDefaultHours int `json:"graph_default_hours" gorm:"column:graph_default_hours;default:4;check:graph_default_hours > 0" binding:"min=1,max=24"`

	// NightscoutMaxRequestsPerSecond is the rate limit for outgoing
	// Nightscout API requests, shared across all users.
	NightscoutMaxRequestsPerSecond int `gorm:"column:nightscout_max_requests_per_second;default:5" json:"nightscout_max_requests_per_second" binding:"min=1"`

	// DefaultUnits is the display unit assigned to newly-seen users.
	DefaultUnits GlucoseUnit `json:"default_units" gorm:"column:default_units;type:string;default:mg/dL"`

	// AdminUsername for the web UI
	AdminUsername string `json:"admin_username" gorm:"type:string" log:"[redacted]"`

	// AdminPassword stores the hashed password for the admin user
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// LogLevel is the general logging level for the application.
	LogLevel DBLogLevel `gorm:"default:INFO;type:string;check:log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// NightscoutLogLevel is the logging level for Nightscout API operations.
	NightscoutLogLevel DBLogLevel `gorm:"default:INFO;column:nightscout_log_level;type:string;check:nightscout_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"nightscout_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordLogLevel is the logging level for Discord-related operations.
	DiscordLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:discord_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discord_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DiscordGoLogLevel is the logging level for the DiscordGo library.
	DiscordGoLogLevel DBLogLevel `gorm:"default:INFO;column:discordgo_log_level;type:string;check:discordgo_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"discordgo_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// DatabaseLogLevel is the logging level for database operations.
	DatabaseLogLevel DBLogLevel `gorm:"default:INFO;type:string;check:database_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"database_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`

	// APILogLevel is the logging level for API operations.
	APILogLevel DBLogLevel `gorm:"default:INFO;type:string;check:api_log_level in ('INFO', 'WARN', 'ERROR', 'DEBUG')" json:"api_log_level" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (RuntimeConfig) TableName() string {
	return "config"
}

func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		CommandOptions: CommandOptions{
			RecoverPanic:            false,
			DiscordErrorMessage:     DefaultDiscordErrorMessage,
			DiscordRateLimitMessage: DefaultDiscordRateLimitMessage,
		},
		ConvertCommandDescription:      "Convert a blood glucose value between mmol/L and mg/dL",
		EstimateCommandDescription:     "Estimate A1c from an average blood glucose",
		GraphCommandDescription:        "Graph your recent Nightscout readings",
		NightscoutCommandDescription:   "Manage your Nightscout settings",
		GraphDefaultHours:              4,
		NightscoutMaxRequestsPerSecond: DefaultNightscoutMaxRequestsPerSecond,
		DefaultUnits:                   UnitMgdl,
		DiscordCustomStatus:            DefaultDiscordCustomStatus,
		LogLevel:                       DBLogLevel(slog.LevelInfo.String()),
		NightscoutLogLevel:             DBLogLevel(slog.LevelInfo.String()),
		DiscordLogLevel:                DBLogLevel(slog.LevelInfo.String()),
		DiscordGoLogLevel:              DBLogLevel(slog.LevelInfo.String()),
		DatabaseLogLevel:               DBLogLevel(slog.LevelInfo.String()),
		APILogLevel:                    DBLogLevel(slog.LevelInfo.String()),
	}
}

// runtimeConfigValueChanged accepts two interface{} values,
// where runtimeConfigVal should be the value of a field from RuntimeConfig,
// and runtimeConfigUpdateVal should be the value of a field from
// RuntimeConfigUpdate.
// A boolean is returned, where `true` indicates that runtimeConfigUpdateVal
// is non-nil, and its dereferenced value is different from runtimeConfigVal.
// If `false`, it indicates either runtimeConfigUpdateVal is nil,
// or its underlying value is the same as runtimeConfigVal.
// This is used to compare the current RuntimeConfig with an update
// payload, to determine which User fields should be updated.
func runtimeConfigValueChanged(runtimeConfigVal, runtimeConfigUpdateVal any) bool {
	newValRef := reflect.ValueOf(runtimeConfigUpdateVal)
	if newValRef.Kind() != reflect.Ptr {
		return false
	}

	if newValRef.IsNil() {
		return false
	}

	// Dereference the pointer to get the actual value
	updateValDereferenced := newValRef.Elem().Interface()

	// Compare the dereferenced value with currentVal
	return !reflect.DeepEqual(runtimeConfigVal, updateValDereferenced)
}

// updateUsersFromRuntimeConfig determines which fields have been changed
// between the current RuntimeConfig, and a RuntimeConfigUpdate payload.
// For each field that has changed, which has a corresponding field in the User
// struct, the User records are updated to reflect the new values, for users
// where their current value matches the old value.
// This allows a "global" config update to also update users, without
// overwriting user-specific settings.
func updateUsersFromRuntimeConfig(
	ctx context.Context,
	db DBI,
	update RuntimeConfigUpdate,
	currentConfig *RuntimeConfig,
) error {
	log, ok := ContextLogger(ctx)
	if !ok || log == nil {
		log = slog.Default()
	}

	if update.DefaultUnits == nil {
		return nil
	}

	return db.Transaction(
		ctx,
		func(tx *gorm.DB) error {
			if !runtimeConfigValueChanged(currentConfig.DefaultUnits, update.DefaultUnits) {
				return nil
			}
			log.InfoContext(
				ctx,
				"globally updating user field",
				"field", columnUserPreferredUnits,
				"current", currentConfig.DefaultUnits,
				"new", *update.DefaultUnits,
			)
			if err := tx.Model(&User{}).Where(
				columnUserPreferredUnits+" = ?",
				currentConfig.DefaultUnits,
			).Update(columnUserPreferredUnits, *update.DefaultUnits).Error; err != nil {
				log.Error(
					"error updating user records",
					tint.Err(err),
					"field", columnUserPreferredUnits,
				)
				return err
			}
			return nil
		},
	)
}

//nolint:lll // can't break tags
type RuntimeConfigUpdate struct {
	Paused       *bool `json:"paused,omitempty"`
	RecoverPanic *bool `json:"recover_panic,omitempty"`

	DiscordGatewayEnabled        *bool   `json:"discord_gateway_enabled,omitempty"`
	DiscordCustomStatus          *string `json:"discord_custom_status,omitempty"`
	DiscordRateLimitMessage      *string `json:"discord_rate_limit_message,omitempty"`
	DiscordErrorMessage          *string `json:"discord_error_message,omitempty"`
	DiscordNotificationChannelID *string `json:"discord_notification_channel_id,omitempty"`

	ConvertCommandDescription    *string `json:"convert_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	EstimateCommandDescription   *string `json:"estimate_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	GraphCommandDescription      *string `json:"graph_command_description,omitempty" binding:"omitnil,min=1,max=100"`
	NightscoutCommandDescription *string `json:"nightscout_command_description,omitempty" binding:"omitnil,min=1,max=100"`

	GraphDefaultHours              *int         `json:"graph_default_hours,omitempty" binding:"omitnil,min=1,max=24"`
	NightscoutMaxRequestsPerSecond *int         `json:"nightscout_max_requests_per_second,omitempty" binding:"omitnil,min=1,max=100"`
	DefaultUnits                   *GlucoseUnit `json:"default_units,omitempty" binding:"omitnil,oneof=mmol/L mg/dL"`

	LogLevel           *DBLogLevel `json:"log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	NightscoutLogLevel *DBLogLevel `json:"nightscout_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordLogLevel    *DBLogLevel `json:"discord_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DiscordGoLogLevel  *DBLogLevel `json:"discordgo_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	DatabaseLogLevel   *DBLogLevel `json:"database_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
	APILogLevel        *DBLogLevel `json:"api_log_level,omitempty" binding:"omitnil,oneof=INFO WARN ERROR DEBUG"`
}

func (b RuntimeConfigUpdate) validate() error {
	err := structValidator.Struct(b)
	return err
}

func getDiscordPresenceStatusUpdate(config RuntimeConfig) discordgo.GatewayStatusUpdate {
	if config.Paused {
		return discordgo.GatewayStatusUpdate{
			AFK:    true,
			Status: string(discordgo.StatusDoNotDisturb),
		}
	}
	return discordgo.GatewayStatusUpdate{Status: config.DiscordCustomStatus}
}
