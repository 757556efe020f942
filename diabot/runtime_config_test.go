package diabot

import (
	"context"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRuntimeConfigValidates(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()
	require.NoError(t, structValidator.Struct(cfg))

	assert.Equal(t, UnitMgdl, cfg.DefaultUnits)
	assert.Equal(t, 4, cfg.GraphDefaultHours)
	assert.Equal(t, DefaultDiscordCustomStatus, cfg.DiscordCustomStatus)
	assert.Equal(t, DefaultDiscordErrorMessage, cfg.DiscordErrorMessage)
}

func TestGetDiscordPresenceStatusUpdate(t *testing.T) {
	t.Parallel()
	cfg := DefaultRuntimeConfig()

	update := getDiscordPresenceStatusUpdate(cfg)
	assert.False(t, update.AFK)
	assert.Equal(t, cfg.DiscordCustomStatus, update.Status)

	cfg.Paused = true
	update = getDiscordPresenceStatusUpdate(cfg)
	assert.True(t, update.AFK)
	assert.Equal(t, string(discordgo.StatusDoNotDisturb), update.Status)
}

func TestRuntimeConfigValueChanged(t *testing.T) {
	t.Parallel()

	var nilPtr *string
	assert.False(t, runtimeConfigValueChanged("foo", nilPtr))
	assert.False(t, runtimeConfigValueChanged("foo", "not a pointer"))

	same := "foo"
	assert.False(t, runtimeConfigValueChanged("foo", &same))

	changed := "bar"
	assert.True(t, runtimeConfigValueChanged("foo", &changed))

	newUnits := UnitMmol
	assert.False(t, runtimeConfigValueChanged(UnitMmol, &newUnits))
	assert.True(t, runtimeConfigValueChanged(UnitMgdl, &newUnits))
}

func TestRuntimeConfigUpdateValidation(t *testing.T) {
	t.Parallel()

	assert.NoError(t, RuntimeConfigUpdate{}.validate())

	hours := 12
	units := UnitMmol
	assert.NoError(
		t,
		RuntimeConfigUpdate{GraphDefaultHours: &hours, DefaultUnits: &units}.validate(),
	)

	badHours := 0
	assert.Error(t, RuntimeConfigUpdate{GraphDefaultHours: &badHours}.validate())

	badUnits := GlucoseUnit("furlongs")
	assert.Error(t, RuntimeConfigUpdate{DefaultUnits: &badUnits}.validate())

	badLevel := DBLogLevel("LOUD")
	assert.Error(t, RuntimeConfigUpdate{LogLevel: &badLevel}.validate())
}

func TestUpdateUsersFromRuntimeConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := gormDB(t)
	writeDB := NewDatabase(db, nil, false)

	// defaultUser tracks the global default; customUser never had a
	// preference recorded, and shouldn't be touched by a global change
	defaultUser := User{ID: "default_" + t.Name(), PreferredUnits: UnitMgdl}
	customUser := User{ID: "custom_" + t.Name()}
	require.NoError(t, db.Create(&defaultUser).Error)
	require.NoError(t, db.Create(&customUser).Error)

	currentConfig := DefaultRuntimeConfig()
	newUnits := UnitMmol

	// no units in the update payload is a no-op
	require.NoError(
		t,
		updateUsersFromRuntimeConfig(
			ctx, writeDB, RuntimeConfigUpdate{}, &currentConfig,
		),
	)

	require.NoError(
		t,
		updateUsersFromRuntimeConfig(
			ctx,
			writeDB,
			RuntimeConfigUpdate{DefaultUnits: &newUnits},
			&currentConfig,
		),
	)

	var reloadedDefault User
	require.NoError(t, db.First(&reloadedDefault, "id = ?", defaultUser.ID).Error)
	assert.Equal(t, UnitMmol, reloadedDefault.PreferredUnits)

	var reloadedCustom User
	require.NoError(t, db.First(&reloadedCustom, "id = ?", customUser.ID).Error)
	assert.Empty(t, reloadedCustom.PreferredUnits)
}
