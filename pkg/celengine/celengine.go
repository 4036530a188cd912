package celengine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
)

var (
	envCache     = sync.Map{}
	programCache = sync.Map{}
)

// signature identifies the variable declarations an attribute map produces.
func signature(attrs map[string]interface{}) string {
	keys := make([]string, 0, len(attrs))
	for k, v := range attrs {
		keys = append(keys, k+":"+celTypeName(v))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func GetOrBuildEnv(attrs map[string]interface{}) (*cel.Env, error) {
	key := signature(attrs)
	if v, ok := envCache.Load(key); ok {
		return v.(*cel.Env), nil
	}

	env, err := BuildCelEnvFromAttributes(attrs)
	if err == nil {
		envCache.Store(key, env)
	}

	return env, err
}

func celTypeName(val interface{}) string {
	switch v := val.(type) {
	case string:
		return "string"
	case int, int32, int64:
		return "int"
	case float32, float64:
		return "double"
	case bool:
		return "bool"
	case []interface{}:
		if len(v) > 0 {
			if _, ok := v[0].(map[string]interface{}); ok {
				return "list_map"
			}
		}
		return "list"
	case []map[string]interface{}:
		return "list_map"
	case map[string]interface{}, map[string]string:
		return "map"
	default:
		return "dyn"
	}
}

func BuildCelEnvFromAttributes(attrs map[string]interface{}) (*cel.Env, error) {
	var variables []cel.EnvOption

	for key, val := range attrs {
		switch celTypeName(val) {
		case "string":
			variables = append(variables, cel.Variable(key, cel.StringType))
		case "int":
			variables = append(variables, cel.Variable(key, cel.IntType))
		case "double":
			variables = append(variables, cel.Variable(key, cel.DoubleType))
		case "bool":
			variables = append(variables, cel.Variable(key, cel.BoolType))
		case "list_map":
			variables = append(variables, cel.Variable(key, cel.ListType(cel.MapType(cel.StringType, cel.DynType))))
		case "list":
			variables = append(variables, cel.Variable(key, cel.ListType(cel.DynType)))
		case "map":
			variables = append(variables, cel.Variable(key, cel.MapType(cel.StringType, cel.DynType)))
		default:
			zap.L().Debug("celengine: unhandled attribute type, declaring dyn", zap.String("key", key), zap.String("type", fmt.Sprintf("%T", val)))
			variables = append(variables, cel.Variable(key, cel.DynType))
		}
	}

	return cel.NewEnv(variables...)
}

func StructToMap(s any) map[string]any {
	if s == nil {
		return map[string]any{}
	}

	b, err := json.Marshal(s)
	if err != nil {
		zap.L().Debug("failed StructToMap Marshal", zap.Error(err))
		return map[string]interface{}{}
	}

	var result map[string]interface{}
	if err := json.Unmarshal(b, &result); err != nil {
		zap.L().Debug("failed StructToMap Unmarshal", zap.Error(err))
		return map[string]interface{}{}
	}

	return result
}

func ValidateExpression(env *cel.Env, expr string) error {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return issues.Err()
	}
	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return fmt.Errorf("expression must return bool, got %s", out)
	}
	return nil
}

func program(env *cel.Env, sig, expr string) (cel.Program, error) {
	key := sig + "|" + expr
	if v, ok := programCache.Load(key); ok {
		return v.(cel.Program), nil
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	programCache.Store(key, prg)
	return prg, nil
}

// Evaluate compiles expr against an environment derived from attrs and
// returns its boolean result. Compiled programs are cached per expression
// and attribute signature.
func Evaluate(expr string, attrs map[string]interface{}) (bool, error) {
	env, err := GetOrBuildEnv(attrs)
	if err != nil {
		return false, err
	}

	prg, err := program(env, signature(attrs), expr)
	if err != nil {
		return false, err
	}

	out, _, err := prg.Eval(attrs)
	if err != nil {
		return false, err
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expected bool from expression, got %T (%v)", out.Value(), out.Value())
	}

	return b, nil
}
