package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateOverEventAndUserMaps(t *testing.T) {
	attrs := map[string]interface{}{
		"event": map[string]interface{}{
			"event_type":    "SPEND_OVER_X",
			"dynamic_value": 1200.0,
			"metadata":      map[string]interface{}{"channel": "web"},
		},
		"user": map[string]interface{}{"role": "owner"},
	}

	ok, err := Evaluate(`event.dynamic_value > 1000.0 && event.metadata.channel == "web"`, attrs)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(`user.role == "viewer"`, attrs)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluateScalarAttributes(t *testing.T) {
	attrs := map[string]interface{}{
		"amount":   1500.5,
		"count":    int64(3),
		"channel":  "pos",
		"verified": true,
	}

	ok, err := Evaluate(`amount > 1000.0 && count >= 3 && channel == "pos" && verified`, attrs)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluateRejectsNonBool(t *testing.T) {
	_, err := Evaluate(`"text"`, map[string]interface{}{"x": 1})
	require.Error(t, err)

	_, err = Evaluate(`unknown_var > 1`, map[string]interface{}{"x": 1})
	require.Error(t, err)
}

func TestValidateExpression(t *testing.T) {
	env, err := BuildCelEnvFromAttributes(map[string]interface{}{"event": map[string]interface{}{}})
	require.NoError(t, err)

	require.NoError(t, ValidateExpression(env, `event.amount > 10.0`))
	require.Error(t, ValidateExpression(env, `event.amount >`))
	require.Error(t, ValidateExpression(env, `1 + 2`))
}
