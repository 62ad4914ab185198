package config

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type envReader struct {
	lookup func(string) (string, bool)
	logger zerolog.Logger
}

func (e envReader) raw(name string) (string, bool) {
	value, ok := e.lookup(name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (e envReader) stringEnv(name, fallback string) string {
	if value, ok := e.raw(name); ok {
		return value
	}
	return fallback
}

func (e envReader) intEnv(name string, fallback int) int {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, strconv.Itoa(fallback))
		return fallback
	}
	return value
}

func (e envReader) int64Env(name string, fallback int64) int64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, strconv.FormatInt(fallback, 10))
		return fallback
	}
	return value
}

func (e envReader) floatEnv(name string, fallback float64) float64 {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, strconv.FormatFloat(fallback, 'g', -1, 64))
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw, ok := e.raw(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) invalid(name, raw, fallback string) {
	e.logger.Warn().Str("name", name).Str("value", raw).Str("fallback", fallback).Msg("invalid environment value, using fallback")
}

func sortedCopy(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
