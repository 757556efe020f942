package diabot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrChannelNotFound indicates a referenced Discord channel doesn't
// exist, or isn't visible to the bot.
var ErrChannelNotFound = errors.New("channel not found")

// AdminChannel marks a channel in a guild as an admin channel. Admin-only
// commands are accepted only in channels with a record here.
//
//nolint:lll // struct tags can't be split
type AdminChannel struct {
	ModelUintID

	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"column:guild_id;uniqueIndex:idx_admin_channel_guild_channel;type:string"`

	// ChannelID is the Discord channel ID
	ChannelID string `json:"channel_id" gorm:"column:channel_id;uniqueIndex:idx_admin_channel_guild_channel;type:string"`

	// ChannelName is the channel's name at the time it was registered,
	// kept for display purposes only
	ChannelName string `json:"channel_name" gorm:"column:channel_name;type:string"`

	ModelUnixTime
}

func (a AdminChannel) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", a.GuildID),
		slog.String("channel_id", a.ChannelID),
		slog.String("channel_name", a.ChannelName),
	)
}

// AddAdminChannel registers the channel as an admin channel for the
// guild. Adding a channel that's already registered is a no-op, and
// not an error.
func AddAdminChannel(
	ctx context.Context,
	db DBI,
	guildID string,
	channelID string,
	channelName string,
) (*AdminChannel, error) {
	record := AdminChannel{
		GuildID:     guildID,
		ChannelID:   channelID,
		ChannelName: channelName,
	}
	db.Lock()
	defer db.Unlock()
	err := db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "guild_id"},
				{Name: "channel_id"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"channel_name"}),
		},
	).Create(&record).Error
	if err != nil {
		return nil, fmt.Errorf("error adding admin channel: %w", err)
	}
	return &record, nil
}

// RemoveAdminChannel deletes the admin channel registration. Returns
// ErrChannelNotFound if the channel wasn't registered.
func RemoveAdminChannel(
	ctx context.Context,
	db DBI,
	guildID string,
	channelID string,
) error {
	db.Lock()
	defer db.Unlock()
	rv := db.DB().WithContext(ctx).Where(
		"guild_id = ? AND channel_id = ?",
		guildID,
		channelID,
	).Delete(&AdminChannel{})
	if rv.Error != nil {
		return fmt.Errorf("error removing admin channel: %w", rv.Error)
	}
	if rv.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	return nil
}

// ListAdminChannels returns the guild's registered admin channels.
func ListAdminChannels(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) ([]AdminChannel, error) {
	var channels []AdminChannel
	err := db.WithContext(ctx).Where(
		"guild_id = ?", guildID,
	).Order("channel_id").Find(&channels).Error
	return channels, err
}

// IsAdminChannel reports whether the channel is registered as an admin
// channel for the guild.
func IsAdminChannel(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
	channelID string,
) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&AdminChannel{}).Where(
		"guild_id = ? AND channel_id = ?",
		guildID,
		channelID,
	).Count(&count).Error
	return count > 0, err
}

// GuildSettings holds per-guild display defaults for the graph command.
//
//nolint:lll // struct tags can't be split
type GuildSettings struct {
	ModelUintID

	// GuildID is the Discord guild (server) ID
	GuildID string `json:"guild_id" gorm:"column:guild_id;uniqueIndex;type:string"`

	// Units is the guild's default display unit ('mmol/L' or 'mg/dL')
	Units GlucoseUnit `json:"units" gorm:"column:units;type:string"`

	// TopOfRange is the upper bound of the target range, in mg/dL
	TopOfRange float64 `json:"top_of_range" gorm:"column:top_of_range;default:180"`

	// BottomOfRange is the lower bound of the target range, in mg/dL
	BottomOfRange float64 `json:"bottom_of_range" gorm:"column:bottom_of_range;default:70"`

	// Theme selects the chart color palette ('light' or 'dark')
	Theme string `json:"theme" gorm:"column:theme;type:string;default:dark"`

	ModelUnixTime
}

func (g GuildSettings) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", g.GuildID),
		slog.String("units", string(g.Units)),
		slog.Float64("top_of_range", g.TopOfRange),
		slog.Float64("bottom_of_range", g.BottomOfRange),
		slog.String("theme", g.Theme),
	)
}

// ChartConfig returns a chart configuration seeded from the guild's
// settings, falling back to defaults for unset fields.
func (g GuildSettings) ChartConfig() ChartConfig {
	cfg := DefaultChartConfig()
	if g.Units == UnitMmol || g.Units == UnitMgdl {
		cfg.Units = g.Units
	}
	if g.TopOfRange > 0 {
		cfg.Top = g.TopOfRange
	}
	if g.BottomOfRange > 0 {
		cfg.Bottom = g.BottomOfRange
	}
	switch ChartTheme(g.Theme) {
	case ChartThemeLight, ChartThemeDark:
		cfg.Theme = ChartTheme(g.Theme)
	}
	return cfg
}

// GetGuildSettings returns the guild's settings, or a zero-value record
// (with the guild ID set) when none exist yet.
func GetGuildSettings(
	ctx context.Context,
	db *gorm.DB,
	guildID string,
) (GuildSettings, error) {
	var settings GuildSettings
	err := db.WithContext(ctx).Where("guild_id = ?", guildID).First(&settings).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return GuildSettings{GuildID: guildID}, nil
		}
		return settings, err
	}
	return settings, nil
}

// SaveGuildSettings upserts the guild's settings row.
func SaveGuildSettings(
	ctx context.Context,
	db DBI,
	settings *GuildSettings,
) error {
	db.Lock()
	defer db.Unlock()
	return db.DB().WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"units", "top_of_range", "bottom_of_range", "theme"},
			),
		},
	).Create(settings).Error
}
