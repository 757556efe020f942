package diabot

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const nightscoutStatusCheckTimeout = 5 * time.Second

// runNightscoutCommand executes the /nightscout command, which manages
// the invoking user's Nightscout site configuration via 'set', 'clear'
// and 'token' subcommands. All responses are ephemeral.
func (d *Diabot) runNightscoutCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	cmd *CommandLog,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	config := handler.Config()

	data := i.ApplicationCommandData()
	if len(data.Options) == 0 {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing subcommand", ErrInvalidArgument),
		)
		return
	}
	sub := data.Options[0]
	cmd.Subcommand = sub.Name
	if _, updErr := d.writeDB.Update(ctx, cmd, "subcommand", sub.Name); updErr != nil {
		logger.ErrorContext(ctx, "error recording subcommand", tint.Err(updErr))
	}

	switch sub.Name {
	case nightscoutSubcommandSet:
		d.nightscoutSet(ctx, handler, u, cmd, subcommandOptions(sub))
	case nightscoutSubcommandClear:
		d.nightscoutClear(ctx, handler, u, cmd)
	case nightscoutSubcommandToken:
		d.nightscoutToken(ctx, handler, u, cmd, subcommandOptions(sub))
	default:
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: unknown subcommand %q", ErrInvalidArgument, sub.Name),
		)
	}
}

// nightscoutSet saves the user's Nightscout base URL, then probes the
// site's status endpoint to confirm it's reachable.
func (d *Diabot) nightscoutSet(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	cmd *CommandLog,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	logger := handler.Logger()
	config := handler.Config()

	urlOpt, ok := opts[nightscoutURLOption]
	if !ok {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing url option", ErrInvalidArgument),
		)
		return
	}
	rawURL := urlOpt.StringValue()

	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			fmt.Sprintf(
				"That doesn't look like a Nightscout URL (`%s`) - "+
					"it should look like `https://yoursite.example.com`",
				rawURL,
			),
			nil,
		)
		return
	}

	if _, err := d.writeDB.Update(
		ctx, u, columnUserNightscoutURL, rawURL,
	); err != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			err,
		)
		return
	}
	d.dbNotifier.UserUpdated(ctx, u.ID)

	statusCtx, cancel := context.WithTimeout(ctx, nightscoutStatusCheckTimeout)
	defer cancel()
	status, statusErr := d.nightscout.Status(statusCtx, rawURL, u.NightscoutToken)
	if statusErr != nil {
		logger.WarnContext(
			ctx,
			"saved nightscout url, but status check failed",
			tint.Err(statusErr),
		)
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			"Saved your Nightscout URL, but I couldn't reach the site - "+
				"double-check the address, and set a token with "+
				"`/nightscout token` if your site isn't public",
			nil,
		)
		return
	}

	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted,
		fmt.Sprintf(
			"Saved your Nightscout URL! Your site reports its units as **%s**",
			status.Units(),
		),
		nil,
	)
}

// nightscoutClear removes the user's Nightscout URL and token.
func (d *Diabot) nightscoutClear(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	cmd *CommandLog,
) {
	config := handler.Config()

	if _, err := d.writeDB.Updates(
		ctx, u, map[string]any{
			columnUserNightscoutURL: "",
			columnUserNightscoutTkn: "",
		},
	); err != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			err,
		)
		return
	}
	d.dbNotifier.UserUpdated(ctx, u.ID)

	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted,
		"Cleared your Nightscout settings",
		nil,
	)
}

// nightscoutToken saves the user's Nightscout access token.
func (d *Diabot) nightscoutToken(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	cmd *CommandLog,
	opts map[string]*discordgo.ApplicationCommandInteractionDataOption,
) {
	config := handler.Config()

	tokenOpt, ok := opts[nightscoutTokenOption]
	if !ok {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing token option", ErrInvalidArgument),
		)
		return
	}

	if _, err := d.writeDB.Update(
		ctx, u, columnUserNightscoutTkn, tokenOpt.StringValue(),
	); err != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			err,
		)
		return
	}
	d.dbNotifier.UserUpdated(ctx, u.ID)

	response := "Saved your Nightscout token"
	if u.NightscoutURL == "" {
		response += " - set your site URL with `/nightscout set`"
	}
	d.finalizeCommand(ctx, handler, cmd, CommandStateCompleted, response, nil)
}
