package diabot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// runAdminCommand executes the /diabot-admin command, which manages the
// guild's registered admin channels via the 'channels' subcommand group.
//
// Once a guild has at least one admin channel registered, admin
// commands are only honored when issued from one of them.
func (d *Diabot) runAdminCommand(
	ctx context.Context,
	handler InteractionHandler,
	_ *User,
	cmd *CommandLog,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	config := handler.Config()

	if i.GuildID == "" {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			"This command can only be used in a server",
			nil,
		)
		return
	}

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 || data.Options[0].Name != adminSubcommandGroupChannels ||
		len(data.Options[0].Options) == 0 {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing subcommand", ErrInvalidArgument),
		)
		return
	}
	sub := data.Options[0].Options[0]
	cmd.Subcommand = fmt.Sprintf("%s %s", adminSubcommandGroupChannels, sub.Name)
	if _, updErr := d.writeDB.Update(ctx, cmd, "subcommand", cmd.Subcommand); updErr != nil {
		logger.ErrorContext(ctx, "error recording subcommand", tint.Err(updErr))
	}

	allowed, checkErr := d.adminChannelAllowed(ctx, i.GuildID, i.ChannelID)
	if checkErr != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			checkErr,
		)
		return
	}
	if !allowed {
		logger.WarnContext(
			ctx,
			"admin command outside admin channel, refusing",
			"channel_id", i.ChannelID,
		)
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			"Admin commands can only be used from a registered admin channel",
			nil,
		)
		return
	}

	switch sub.Name {
	case adminSubcommandAdd:
		d.adminChannelAdd(ctx, handler, cmd, subcommandOptions(sub))
	case adminSubcommandList:
		d.adminChannelList(ctx, handler, cmd)
	case adminSubcommandDelete:
		d.adminChannelDelete(ctx, handler, cmd, subcommandOptions(sub))
	default:
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: unknown subcommand %q", ErrInvalidArgument, sub.Name),
		)
	}
}

// adminChannelAllowed reports whether admin commands may be issued from
// the given channel. Guilds with no registered admin channels accept
// admin commands from any channel, so the first one can be registered.
func (d *Diabot) adminChannelAllowed(
	ctx context.Context,
	guildID string,
	channelID string,
) (bool, error) {
	channels, err := ListAdminChannels(ctx, d.db, guildID)
	if err != nil {
		return false, err
	}
	if len(channels) == 0 {
		return true, nil
	}
	return IsAdminChannel(ctx, d.db, guildID, channelID)
}

// adminChannelAdd registers a channel as an admin channel, after
// verifying with the Discord API that the channel exists and belongs
// to the invoking guild.
func (d *Diabot) adminChannelAdd(
	ctx context.Context,
	handler InteractionHandler,
	cmd *CommandLog,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	config := handler.Config()

	channelOpt, ok := opts[adminChannelOption]
	if !ok {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing channel option", ErrInvalidArgument),
		)
		return
	}
	channelID := channelOpt.ChannelValue(nil).ID

	channel, chanErr := d.discord.session.Channel(
		channelID, discordgo.WithContext(ctx),
	)
	if chanErr != nil || channel == nil || channel.GuildID != i.GuildID {
		if chanErr != nil {
			logger.WarnContext(ctx, "error fetching channel", tint.Err(chanErr))
		}
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			fmt.Sprintf("Channel <#%s> not found in this server", channelID),
			fmt.Errorf("%w: %s", ErrChannelNotFound, channelID),
		)
		return
	}

	record, err := AddAdminChannel(
		ctx, d.writeDB, i.GuildID, channel.ID, channel.Name,
	)
	if err != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			err,
		)
		return
	}

	logger.InfoContext(ctx, "registered admin channel", "admin_channel", record)
	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted,
		fmt.Sprintf("Registered <#%s> as an admin channel", channel.ID),
		nil,
	)
}

// adminChannelList responds with the guild's registered admin channels.
func (d *Diabot) adminChannelList(
	ctx context.Context,
	handler InteractionHandler,
	cmd *CommandLog,
) {
	i := handler.GetInteraction()
	config := handler.Config()

	channels, err := ListAdminChannels(ctx, d.db, i.GuildID)
	if err != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			err,
		)
		return
	}

	if len(channels) == 0 {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			"No admin channels registered - any channel can run admin "+
				"commands until one is added",
			nil,
		)
		return
	}

	lines := make([]string, 0, len(channels)+1)
	lines = append(lines, "Registered admin channels:")
	for _, c := range channels {
		lines = append(lines, fmt.Sprintf("- <#%s> (`%s`)", c.ChannelID, c.ChannelName))
	}
	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted,
		strings.Join(lines, "\n"),
		nil,
	)
}

// adminChannelDelete removes a channel's admin registration.
func (d *Diabot) adminChannelDelete(
	ctx context.Context,
	handler InteractionHandler,
	cmd *CommandLog,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	i := handler.GetInteraction()
	config := handler.Config()

	channelOpt, ok := opts[adminChannelOption]
	if !ok {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing channel option", ErrInvalidArgument),
		)
		return
	}
	channelID := channelOpt.ChannelValue(nil).ID

	err := RemoveAdminChannel(ctx, d.writeDB, i.GuildID, channelID)
	if err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			d.finalizeCommand(
				ctx, handler, cmd, CommandStateCompleted,
				fmt.Sprintf("<#%s> isn't a registered admin channel", channelID),
				nil,
			)
			return
		}
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			err,
		)
		return
	}

	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted,
		fmt.Sprintf("Removed <#%s> from admin channels", channelID),
		nil,
	)
}
