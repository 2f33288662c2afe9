package director

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticDirectorDefaultsToNormal(t *testing.T) {
	d := NewStaticDirector(nil)
	m, err := d.ChannelMode("unknown")
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, m)
}

func TestStaticDirectorSetMode(t *testing.T) {
	d := NewStaticDirector(nil)
	require.NoError(t, d.SetMode("ch1", ModeEmergency))
	m, err := d.ChannelMode("ch1")
	require.NoError(t, err)
	assert.Equal(t, ModeEmergency, m)
	assert.Error(t, d.SetMode("ch1", Mode("bogus")))
}

func TestPollingDirectorFallsBackOnError(t *testing.T) {
	d := NewPollingDirector(func(channelID string) (Mode, error) {
		return "", errors.New("unavailable")
	})
	m, err := d.ChannelMode("ch1")
	require.NoError(t, err)
	assert.Equal(t, ModeNormal, m)
}

func TestPollingDirectorPassesThroughValidMode(t *testing.T) {
	d := NewPollingDirector(func(channelID string) (Mode, error) {
		return ModeGuide, nil
	})
	m, err := d.ChannelMode("ch1")
	require.NoError(t, err)
	assert.Equal(t, ModeGuide, m)
}
