package cluster

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// CodecVersion is written in the header of every encoded state.
const CodecVersion = 1

const headerPrefix = "# fluxdnsd cluster-state v"

// ErrMalformed is returned (wrapped) by Decode for any input it cannot
// trust.
var ErrMalformed = errors.New("malformed cluster state")

// Encode renders a state as a header line followed by one
// `ip:ROLE:hash[:port]` row per member. The port is omitted when it is
// DefaultPort.
func Encode(s State) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%d\n", headerPrefix, CodecVersion)
	for _, m := range s.Normalize().Members {
		buf.WriteString(m.IP)
		buf.WriteByte(':')
		buf.WriteString(string(m.Role))
		buf.WriteByte(':')
		buf.WriteString(m.Hash)
		if m.Port != DefaultPort {
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(m.Port))
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Decode parses the output of Encode. Files written before the header was
// introduced (rows only) are accepted. The result is normalized, so only
// the first MASTER row stays master.
func Decode(data []byte) (State, error) {
	var members []Member

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#") {
			if err := checkHeader(line); err != nil {
				return State{}, fmt.Errorf("%w: line %d: %w", ErrMalformed, lineNo, err)
			}
			continue
		}

		m, err := decodeRow(line)
		if err != nil {
			return State{}, fmt.Errorf("%w: line %d: %w", ErrMalformed, lineNo, err)
		}
		members = append(members, m)
	}
	if err := scanner.Err(); err != nil {
		return State{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	return State{Members: members}.Normalize(), nil
}

func checkHeader(line string) error {
	if !strings.HasPrefix(line, headerPrefix) {
		// Free-form comment.
		return nil
	}
	version, err := strconv.Atoi(strings.TrimPrefix(line, headerPrefix))
	if err != nil {
		return fmt.Errorf("bad version in header %q", line)
	}
	if version != CodecVersion {
		return fmt.Errorf("unsupported version %d", version)
	}
	return nil
}

func decodeRow(line string) (Member, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 3 && len(fields) != 4 {
		return Member{}, fmt.Errorf("expected ip:ROLE:hash[:port], got %q", line)
	}

	ip := fields[0]
	if !ValidIP(ip) {
		return Member{}, fmt.Errorf("invalid ip %q", ip)
	}

	role, err := ParseRole(fields[1])
	if err != nil {
		return Member{}, err
	}

	port := DefaultPort
	if len(fields) == 4 {
		port, err = strconv.Atoi(fields[3])
		if err != nil || port < 1 || port > 65535 {
			return Member{}, fmt.Errorf("invalid port %q", fields[3])
		}
	}

	return Member{
		Candidate: Candidate{IP: ip, Port: port, Hash: fields[2]},
		Role:      role,
	}, nil
}
