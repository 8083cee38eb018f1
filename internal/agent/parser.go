package agent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleetsync.live/internal/core/domain"
)

type CommandKind string

const (
	CommandPosition  CommandKind = "pos"
	CommandBreak     CommandKind = "break"
	CommandResume    CommandKind = "resume"
	CommandSOS       CommandKind = "sos"
	CommandComplete  CommandKind = "complete"
	CommandGPSDenied CommandKind = "gps-denied"
	CommandGPSLost   CommandKind = "gps-lost"
)

// Command is one line of a device script.
type Command struct {
	Kind    CommandKind
	Sample  domain.Sample
	Outcome domain.Outcome
	Note    string
}

var fieldRe = regexp.MustCompile(`(\w+)=(\S+)`)

// parseCommand reads one script line. Blank lines and # comments yield
// ok=false with no error. A pos line without ts is stamped with now.
//
// Examples:
//
//	pos lat=-26.9187 lng=-48.6612 speed=4.2 ts=1718000000000
//	complete failed nobody home
func parseCommand(line string, now time.Time) (Command, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Command{}, false, nil
	}
	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch kind := CommandKind(strings.ToLower(word)); kind {
	case CommandPosition:
		sample, err := parseSample(rest, now)
		if err != nil {
			return Command{}, false, err
		}
		return Command{Kind: kind, Sample: sample}, true, nil
	case CommandComplete:
		outcome, note, _ := strings.Cut(rest, " ")
		o := domain.Outcome(strings.ToLower(outcome))
		if !o.Valid() {
			return Command{}, false, fmt.Errorf("complete: outcome %q, want delivered or failed", outcome)
		}
		return Command{Kind: kind, Outcome: o, Note: strings.TrimSpace(note)}, true, nil
	case CommandBreak, CommandResume, CommandSOS, CommandGPSDenied, CommandGPSLost:
		return Command{Kind: kind}, true, nil
	default:
		return Command{}, false, fmt.Errorf("unknown command %q", word)
	}
}

func parseSample(args string, now time.Time) (domain.Sample, error) {
	fields := make(map[string]string)
	for _, m := range fieldRe.FindAllStringSubmatch(args, -1) {
		fields[m[1]] = m[2]
	}

	s := domain.Sample{Timestamp: now}
	var err error
	latRaw, hasLat := fields["lat"]
	lngRaw, hasLng := fields["lng"]
	if !hasLat || !hasLng {
		return s, fmt.Errorf("pos: lat and lng are required")
	}
	if s.Coords.Lat, err = strconv.ParseFloat(latRaw, 64); err != nil || s.Coords.Lat < -90 || s.Coords.Lat > 90 {
		return s, fmt.Errorf("pos: bad lat %q", latRaw)
	}
	if s.Coords.Lng, err = strconv.ParseFloat(lngRaw, 64); err != nil || s.Coords.Lng < -180 || s.Coords.Lng > 180 {
		return s, fmt.Errorf("pos: bad lng %q", lngRaw)
	}
	if raw, ok := fields["speed"]; ok {
		if s.Speed, err = strconv.ParseFloat(raw, 64); err != nil {
			return s, fmt.Errorf("pos: bad speed %q", raw)
		}
	}
	if raw, ok := fields["ts"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			s.Timestamp = time.UnixMilli(ms)
		} else if t, err := time.Parse(time.RFC3339, raw); err == nil {
			s.Timestamp = t
		} else {
			return s, fmt.Errorf("pos: bad ts %q", raw)
		}
	}
	return s, nil
}
