package diabot

import (
	"context"
	"fmt"

	"github.com/lmittmann/tint"
)

// formatMmol renders a mmol/L value with one decimal place and its unit.
func formatMmol(v float64) string {
	return fmt.Sprintf("%.1f %s", v, UnitMmol)
}

// formatMgdl renders a mg/dL value as a whole number with its unit.
func formatMgdl(v float64) string {
	return fmt.Sprintf("%.0f %s", v, UnitMgdl)
}

// convertResponse renders the result of a conversion as a Discord
// message. Ambiguous conversions show both interpretations.
func convertResponse(r ConversionResult) string {
	if r.Ambiguous() {
		return fmt.Sprintf(
			"**%.1f** could be either unit:\n"+
				"%s is **%s**\n"+
				"%s is **%s**",
			r.Original(),
			formatMmol(r.Original()), formatMgdl(r.Mgdl()),
			formatMgdl(r.Original()), formatMmol(r.Mmol()),
		)
	}
	if r.InputUnit() == UnitMmol {
		return fmt.Sprintf("%s is **%s**", formatMmol(r.Mmol()), formatMgdl(r.Mgdl()))
	}
	return fmt.Sprintf("%s is **%s**", formatMgdl(r.Mgdl()), formatMmol(r.Mmol()))
}

// runConvertCommand executes the /convert command: converts a blood
// glucose value to the opposite unit, inferring the input unit from the
// value's magnitude when one wasn't given.
func (d *Diabot) runConvertCommand(
	ctx context.Context,
	handler InteractionHandler,
	_ *User,
	cmd *CommandLog,
) {
	logger := handler.Logger()
	i := handler.GetInteraction()
	opts := discordInteractionOptions(i)
	config := handler.Config()

	valueOpt, ok := opts[convertCommandValueOption]
	if !ok {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			config.DiscordErrorMessage,
			fmt.Errorf("%w: missing value option", ErrInvalidArgument),
		)
		return
	}
	value := valueOpt.FloatValue()

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

	result, err := Convert(value, unit)
	if err != nil {
		d.finalizeCommand(
			ctx, handler, cmd, CommandStateFailed,
			fmt.Sprintf("That doesn't look like a blood glucose value (`%v`)", value),
			err,
		)
		return
	}

	logger.InfoContext(ctx, "converted value", "result", result)
	if result.Ambiguous() {
		logger.InfoContext(
			ctx,
			"value in ambiguous band, responding with both interpretations",
			tint.Err(ErrAmbiguousConversion),
		)
	}

	d.finalizeCommand(
		ctx, handler, cmd, CommandStateCompleted, convertResponse(result), nil,
	)
}
