package diabot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnUserID             = "user_id"
	columnUserIgnored        = "ignored"
	columnUserUsername       = "username"
	columnUserGlobalName     = "global_name"
	columnUserLastSeen       = "last_seen"
	columnUserNightscoutURL  = "nightscout_url"
	columnUserNightscoutTkn  = "nightscout_token"
	columnUserPreferredUnits = "preferred_units"
)

// User is a record of a Discord user, and their current state.
// See: https://discord.com/developers/docs/resources/user
//
//nolint:lll // struct tags can't be split
type User struct {
	//
	// The first set of fields are set from the Discord user object
	//

	// ID is the Discord user ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user. Bots will be ignored
	// by default.
	Bot bool `json:"bot" gorm:"type:bool"`

	// JSON content of the discord user object
	Content string `json:"content" gorm:"type:string"`

	//
	// The fields below are Diabot-specific
	//

	// Base URL of the user's Nightscout site, used by the graph and
	// nightscout commands
	NightscoutURL string `json:"nightscout_url" gorm:"column:nightscout_url"`

	// Access token for the user's Nightscout site, if it isn't public
	NightscoutToken string `json:"nightscout_token" gorm:"column:nightscout_token" log:"[redacted]"`

	// PreferredUnits is the unit the user wants BG values displayed in
	// ('mmol/L' or 'mg/dL')
	PreferredUnits GlucoseUnit `json:"preferred_units" gorm:"column:preferred_units;type:string"`

	// If true, command requests from this user will be ignored
	Ignored bool `json:"ignored" gorm:"type:bool;default:false"`

	// LastSeen is the last time this user was seen in a Discord interaction
	// (whether it was from a slash command, clicking a button, etc.)
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	ModelUnixTime
}

func NewUser(u discordgo.User) (*User, error) {
	content, err := json.Marshal(u)
	user := User{
		ID:         u.ID,
		Username:   u.Username,
		Ignored:    false,
		Content:    string(content),
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
	if u.Bot {
		user.Ignored = true
	}

	return &user, err
}

func (u *User) String() string {
	return fmt.Sprintf("%s [%s]", u.Username, u.ID)
}

// Units returns the user's preferred display unit, defaulting to mg/dL.
func (u *User) Units() GlucoseUnit {
	switch u.PreferredUnits {
	case UnitMmol, UnitMgdl:
		return u.PreferredUnits
	default:
		return UnitMgdl
	}
}

// CommandsSince returns the user's CommandLog records created at or
// after the given time.
func (u *User) CommandsSince(db *gorm.DB, since time.Time) ([]*CommandLog, error) {
	var commands []*CommandLog
	err := db.Model(&CommandLog{}).Where(
		"user_id = ? AND created_at >= ?",
		u.ID,
		since.UTC().UnixMilli(),
	).Find(&commands).Error
	return commands, err
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	attrs := []slog.Attr{
		slog.String(columnUserID, u.ID),
		slog.String("username", u.Username),
		slog.String("global_name", u.GlobalName),
		slog.Bool("ignored", u.Ignored),
		slog.String(columnUserPreferredUnits, string(u.PreferredUnits)),
	}
	if u.NightscoutURL != "" {
		attrs = append(
			attrs,
			slog.String(columnUserNightscoutURL, u.NightscoutURL),
		)
	}

	return slog.GroupValue(attrs...)
}

// userChangedDiscordUsername compares [User.Username] and [User.GlobalName] with
// the given discordgo.User, and returns a bool indicating whether either
// field has changed (true) or not (false). This helps avoid 'drift'
// if the user updates their Discord profile.
func (u *User) userChangedDiscordUsername(d discordgo.User) bool {
	return (d.Username != u.Username) || (d.GlobalName != u.GlobalName)
}

// getStats retrieves command usage counts for the user, grouped by
// command name.
func (u *User) getStats(ctx context.Context, db *gorm.DB) (UserStats, error) {
	s := UserStats{Commands: map[string]int{}}

	var errs []error

	var commands []CommandLog
	err := db.WithContext(ctx).Unscoped().Select("command_name").Where(
		"user_id = ?",
		u.ID,
	).Find(&commands).Error
	if err != nil {
		errs = append(errs, fmt.Errorf("error getting command stats: %w", err))
	}
	for _, c := range commands {
		s.Commands[c.CommandName]++
	}

	s.NightscoutConfigured = u.NightscoutURL != ""

	return s, errors.Join(errs...)
}

type UserStats struct {
	Commands             map[string]int `json:"commands"`
	NightscoutConfigured bool           `json:"nightscout_configured"`
}
