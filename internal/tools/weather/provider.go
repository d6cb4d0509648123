// Package weather provides synthesized weather tools. The data is generated,
// not fetched; the provider exists so the agent has a safe, deterministic
// tool surface with nested schemas and both state buckets in play.
package weather

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/haasonsaas/warden/internal/tools"
)

const maxRecentQueries = 20

var conditions = []string{"sunny", "partly cloudy", "cloudy", "light rain", "rain", "windy", "foggy"}

// Provider declares get_weather and get_forecast.
type Provider struct{}

func NewProvider() *Provider { return &Provider{} }

func (p *Provider) Name() string { return "weather" }

func (p *Provider) Declare() ([]tools.Tool, map[string]any, map[string]any) {
	declared := []tools.Tool{
		{
			Name:        "get_weather",
			Title:       "Current weather",
			Description: "Get the current weather for a location.",
			Params: map[string]*tools.Param{
				"location": {
					Type:        tools.TypeString,
					Description: "City name, e.g. 'Paris' or 'San Francisco'",
					Required:    true,
				},
				"units": {
					Type:        tools.TypeString,
					Description: "Temperature units",
					Default:     "celsius",
					Enum:        []string{"celsius", "fahrenheit"},
				},
			},
		},
		{
			Name:        "get_forecast",
			Title:       "Weather forecast",
			Description: "Get a multi-day weather forecast for a location.",
			Params: map[string]*tools.Param{
				"location": {
					Type:        tools.TypeString,
					Description: "City name",
					Required:    true,
				},
				"days": {
					Type:        tools.TypeInteger,
					Description: "Number of days, 1 to 7",
					Default:     3,
				},
				"units": {
					Type:        tools.TypeString,
					Description: "Temperature units",
					Default:     "celsius",
					Enum:        []string{"celsius", "fahrenheit"},
				},
			},
		},
	}

	globalState := map[string]any{"api_calls_count": 0}
	convTemplate := map[string]any{"recent_queries": []any{}}
	return declared, globalState, convTemplate
}

func (p *Provider) Invoke(ctx context.Context, toolName string, args, convState, globalState map[string]any) (any, error) {
	location, _ := args["location"].(string)
	if strings.TrimSpace(location) == "" {
		return nil, fmt.Errorf("location must not be empty")
	}
	units, _ := args["units"].(string)
	if units == "" {
		units = "celsius"
	}

	bump(globalState, "api_calls_count")
	recordQuery(convState, location)

	switch toolName {
	case "get_weather":
		return currentWeather(location, units), nil
	case "get_forecast":
		days := intArg(args["days"], 3)
		if days < 1 {
			days = 1
		}
		if days > 7 {
			days = 7
		}
		return forecast(location, units, days), nil
	default:
		return nil, fmt.Errorf("%w: %s", tools.ErrUnknownTool, toolName)
	}
}

// currentWeather derives stable conditions from the location name so
// repeated queries agree with each other.
func currentWeather(location, units string) map[string]any {
	seed := locationSeed(location)
	tempC := 4 + int(seed%26)
	return map[string]any{
		"location":    location,
		"temperature": convertTemp(tempC, units),
		"units":       units,
		"conditions":  conditions[seed%uint32(len(conditions))],
		"humidity":    35 + int(seed%50),
		"wind_kph":    int(seed % 40),
	}
}

func forecast(location, units string, days int) map[string]any {
	seed := locationSeed(location)
	daily := make([]any, 0, days)
	for i := 0; i < days; i++ {
		daySeed := seed + uint32(i)*2654435761
		highC := 6 + int(daySeed%24)
		lowC := highC - 4 - int(daySeed%6)
		daily = append(daily, map[string]any{
			"day":        i + 1,
			"high":       convertTemp(highC, units),
			"low":        convertTemp(lowC, units),
			"conditions": conditions[daySeed%uint32(len(conditions))],
		})
	}
	return map[string]any{
		"location": location,
		"units":    units,
		"days":     days,
		"forecast": daily,
	}
}

func convertTemp(celsius int, units string) int {
	if units == "fahrenheit" {
		return celsius*9/5 + 32
	}
	return celsius
}

func locationSeed(location string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(location))))
	return h.Sum32()
}

func recordQuery(convState map[string]any, location string) {
	queries, _ := convState["recent_queries"].([]any)
	queries = append(queries, location)
	if len(queries) > maxRecentQueries {
		queries = queries[len(queries)-maxRecentQueries:]
	}
	convState["recent_queries"] = queries
}

func bump(state map[string]any, key string) {
	switch n := state[key].(type) {
	case int:
		state[key] = n + 1
	case float64:
		state[key] = n + 1
	default:
		state[key] = 1
	}
}

func intArg(v any, fallback int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return fallback
	}
}
