package diabot

import (
	"context"
	"errors"
	"fmt"
)

// estimateResponse renders an A1c estimate, showing the average in both
// units alongside the estimated percentage.
func estimateResponse(r ConversionResult, a1c float64) string {
	return fmt.Sprintf(
		"An average of %s (%s) is an estimated A1c of **%.1f%%**",
		formatMgdl(r.Mgdl()),
		formatMmol(r.Mmol()),
		a1c,
	)
}

// runEstimateCommand executes the /estimate command: estimates HbA1c
// from an average blood glucose value.
func (d *Diabot) runEstimateCommand(
	ctx context.Context,
	handler InteractionHandler,
	_ *User,
	cmd *CommandLog,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)
	config := handler.Config()

	avgOpt, ok := opts[estimateCommandAverageOption]
	if !ok {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing average option", ErrInvalidArgument),
		)
		return
	}
	average := avgOpt.FloatValue()

	unit := UnitAmbiguous
	if unitOpt, hasUnit := opts[convertCommandUnitOption]; hasUnit {
		parsed, parseErr := ParseGlucoseUnit(unitOpt.StringValue())
		if parseErr != nil {
			d.finalizeCommand(
				ctx, handler, cmd, CommandStateFailed,
				config.DiscordErrorMessage,
				parseErr,
			)
			return
		}
		unit = parsed
	}

	a1c, err := EstimateA1c(average, unit)
	if err != nil {
		if errors.Is(err, ErrAmbiguousConversion) {
			d.finalizeCommand(
				ctx, handler, cmd, CommandStateCompleted,
				fmt.Sprintf(
					"**%.1f** could be either mmol/L or mg/dL - "+
						"re-run the command with the `unit` option set",
					average,
				),
				nil,
			)
			return
		}
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			fmt.Sprintf("That doesn't look like an average blood glucose (`%v`)", average),
			err,
		)
		return
	}

	// the unit was either given or unambiguous, so this can't fail
	result, convErr := Convert(average, unit)
	if convErr != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			convErr,
		)
		return
	}

	logger.InfoContext(ctx, "estimated a1c", "result", result, "a1c", a1c)
	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted, estimateResponse(result, a1c), nil,
	)
}
