package diabot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// nightscoutReadingInterval is the typical CGM upload interval, used to
// size the entry count for a given time window.
const nightscoutReadingInterval = 5 * time.Minute

// graphCaption renders the text shown alongside the chart: the most
// recent reading in the viewer's preferred unit, its trend arrow, and
// its age.
func graphCaption(latest NightscoutEntry, units GlucoseUnit, now time.Time) string {
	reading := latest.Reading()
	var value string
	if units == UnitMmol {
		value = formatMmol(reading.Mgdl / MgdlPerMmol)
	} else {
		value = formatMgdl(reading.Mgdl)
	}

	age := now.Sub(latest.Time()).Round(time.Minute)
	caption := fmt.Sprintf(
		"**%s** %s as of %s ago",
		value,
		TrendArrow(latest.Direction),
		age.String(),
	)
	if latest.Stale(now) {
		caption += " (stale)"
	}
	return caption
}

// runGraphCommand executes the /graph command: fetches the user's
// recent Nightscout readings and responds with a rendered chart.
func (d *Diabot) runGraphCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *User,
	cmd *CommandLog,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)
	config := handler.Config()

	if u.NightscoutURL == "" {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateCompleted,
			"You don't have a Nightscout site configured - "+
				"set one with `/nightscout set`",
			ErrNoNightscoutURL,
		)
		return
	}

	hours := d.RuntimeConfig().GraphDefaultHours
	if hoursOpt, ok := opts[graphCommandHoursOption]; ok {
		hours = int(hoursOpt.IntValue())
	}

	cfg := DefaultChartConfig()
	if i.GuildID != "" {
		settings, settingsErr := GetGuildSettings(ctx, d.db, i.GuildID)
		if settingsErr != nil {
			logger.WarnContext(
				ctx,
				"error loading guild settings, using defaults",
				tint.Err(settingsErr),
			)
		} else {
			cfg = settings.ChartConfig()
		}
	}
	// the viewer's preferred unit always wins for the primary axis
	cfg.Units = u.Units()
	cfg.Hours = hours

	now := time.Now().UTC()
	since := now.Add(-time.Duration(hours) * time.Hour)
	count := int(time.Duration(hours) * time.Hour / nightscoutReadingInterval)

	entries, err := d.nightscout.Entries(
		ctx, u.NightscoutURL, u.NightscoutToken, count, since,
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoReadings):
			d.finalizeCommand(
				ctx, handler, cmd, CommandStateCompleted,
				fmt.Sprintf(
					"No readings found in the last %d hours", hours,
				),
				nil,
			)
		case errors.Is(err, ErrInvalidArgument):
			d.finalizeCommand(
				ctx, handler, cmd, CommandStateCompleted,
				"Your Nightscout site rejected the request - "+
					"you may need to set a token with `/nightscout token`",
				err,
			)
		default:
			d.finalizeCommand(
				ctx, handler, cmd, CommandStateFailed,
				config.DiscordErrorMessage,
				err,
			)
		}
		return
	}

	readings := make([]Reading, 0, len(entries))
	for _, e := range entries {
		readings = append(readings, e.Reading())
	}

	buf := &bytes.Buffer{}
	if renderErr := RenderChart(buf, cfg, readings, now); renderErr != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			renderErr,
		)
		return
	}

	// entries are most recent first
	caption := graphCaption(entries[0], cfg.Units, now)

	if _, editErr := handler.Edit(
		ctx,
		&discordgo.WebhookEdit{
			Content: &caption,
			Files: []*discordgo.File{
				{
					Name:        "glucose.png",
					ContentType: "image/png",
					Reader:      buf,
				},
			},
		},
		discordgo.WithContext(ctx),
	); editErr != nil {
		logger.ErrorContext(ctx, "error sending chart", tint.Err(editErr))
		updates := cmd.finalize(CommandStateFailed, "", editErr)
		if _, updErr := d.writeDB.Updates(ctx, cmd, updates); updErr != nil {
			logger.ErrorContext(ctx, "error updating command record", tint.Err(updErr))
		}
		return
	}

	logger.InfoContext(
		ctx,
		"sent glucose chart",
		"readings", len(readings),
		"hours", hours,
		"units", cfg.Units,
	)

	// the chart edit already carried the final content, so just record
	// the outcome
	updates := cmd.finalize(CommandStateCompleted, caption, nil)
	if _, updErr := d.writeDB.Updates(ctx, cmd, updates); updErr != nil {
		logger.ErrorContext(ctx, "error updating command record", tint.Err(updErr))
	}
}
