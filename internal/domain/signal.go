package domain

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// CommandKind classifies a parsed signal command.
type CommandKind int

const (
	CmdEntry CommandKind = iota
	CmdTakeProfit
	CmdStop
)

// Command is the normalized form of a signal's command field.
type Command struct {
	Kind      CommandKind
	Direction Direction
	Level     int // take-profit level, CmdTakeProfit only
}

// Signal is an inbound trading signal after cleaning and validation.
type Signal struct {
	Command     Command
	RawCommand  string
	Asset       string
	Interval    string
	BotStrategy string
	BotSettings string
	Price       decimal.Decimal
	Amount      decimal.Decimal
	AltTP       string
	MaxTP       int
}

// ParseSignal validates a flat key-value payload into a Signal.
// Values still containing un-substituted template placeholders (wrapped in
// double braces) are dropped with a warning rather than treated as data.
func ParseSignal(raw map[string]string) (*Signal, error) {
	data := cleanSignalData(raw)

	for _, key := range []string{"command", "asset", "interval", "bot"} {
		if strings.TrimSpace(data[key]) == "" {
			return nil, fmt.Errorf("missing required field %q: %w", key, ErrValidation)
		}
	}

	cmd, err := ParseCommand(data["command"])
	if err != nil {
		return nil, err
	}

	sig := &Signal{
		Command:    cmd,
		RawCommand: data["command"],
		Asset:      strings.ToUpper(strings.TrimSpace(data["asset"])),
		Interval:   strings.TrimSpace(data["interval"]),
		AltTP:      strings.TrimSpace(data["altTP"]),
		MaxTP:      3,
	}

	sig.BotStrategy, sig.BotSettings = splitBotField(data["bot"], data["botSettings"])

	if v := strings.TrimSpace(data["price"]); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			sig.Price = d
		} else {
			slog.Warn("Ignoring unparseable signal price", "value", v)
		}
	}
	if v := strings.TrimSpace(data["amount"]); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			sig.Amount = d
		} else {
			slog.Warn("Ignoring unparseable signal amount", "value", v)
		}
	}
	if v := strings.TrimSpace(data["maxTP"]); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			sig.MaxTP = n
		} else {
			slog.Warn("Ignoring unparseable signal maxTP", "value", v)
		}
	}

	return sig, nil
}

// cleanSignalData drops values that still carry webhook template
// placeholders like "{{close}}".
func cleanSignalData(raw map[string]string) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
			slog.Warn("Dropping un-substituted template value from signal", "key", k, "value", v)
			continue
		}
		out[k] = v
	}
	return out
}

// splitBotField resolves strategy and settings from the combined bot field.
// An explicit botSettings value wins; otherwise the bot field is split on
// its last underscore, and settings default to "default" when there is
// nothing to split.
func splitBotField(bot, explicitSettings string) (strategy, settings string) {
	bot = strings.TrimSpace(bot)
	if s := strings.TrimSpace(explicitSettings); s != "" {
		return bot, s
	}
	if idx := strings.LastIndex(bot, "_"); idx > 0 && idx < len(bot)-1 {
		return bot[:idx], bot[idx+1:]
	}
	return bot, "default"
}

// ParseCommand normalizes and parses the command grammar:
// LONG, SHORT, TP{n}/TP {n}, TPS{n}/TPS {n}, STOP L/STOPL, STOP S/STOPS.
func ParseCommand(raw string) (Command, error) {
	norm := strings.ToUpper(strings.Join(strings.Fields(raw), " "))

	switch norm {
	case "LONG":
		return Command{Kind: CmdEntry, Direction: Long}, nil
	case "SHORT":
		return Command{Kind: CmdEntry, Direction: Short}, nil
	case "STOP L", "STOPL":
		return Command{Kind: CmdStop, Direction: Long}, nil
	case "STOP S", "STOPS":
		return Command{Kind: CmdStop, Direction: Short}, nil
	}

	// TPS before TP: "TPS2" would otherwise match the TP prefix.
	if rest, ok := strings.CutPrefix(norm, "TPS"); ok {
		return parseTPLevel(rest, Short, raw)
	}
	if rest, ok := strings.CutPrefix(norm, "TP"); ok {
		return parseTPLevel(rest, Long, raw)
	}

	return Command{}, fmt.Errorf("command %q: %w", raw, ErrUnknownCommand)
}

func parseTPLevel(rest string, dir Direction, raw string) (Command, error) {
	level, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil || level < 1 {
		return Command{}, fmt.Errorf("command %q: bad take-profit level: %w", raw, ErrUnknownCommand)
	}
	return Command{Kind: CmdTakeProfit, Direction: dir, Level: level}, nil
}

// ParseAltTP parses a dash-separated list of cumulative take-profit
// percentages ("33-66-100") into a level table. The entry count must match
// maxTP; malformed values return an error so the caller can fall back to
// the default table with a warning.
func ParseAltTP(altTP string, maxTP int) (map[int]decimal.Decimal, error) {
	parts := strings.Split(strings.TrimSpace(altTP), "-")
	if len(parts) != maxTP {
		return nil, fmt.Errorf("altTP %q has %d levels, want %d: %w", altTP, len(parts), maxTP, ErrValidation)
	}

	table := make(map[int]decimal.Decimal, len(parts))
	for i, part := range parts {
		pct, err := decimal.NewFromString(strings.TrimSpace(part))
		if err != nil || !pct.IsPositive() {
			return nil, fmt.Errorf("altTP %q level %d: %w", altTP, i+1, ErrValidation)
		}
		table[i+1] = pct
	}
	return table, nil
}
