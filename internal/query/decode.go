package query

import "fmt"

// maxReportedPlayers bounds the player counters of an 'i' reply. The
// protocol caps servers around 1000 slots; anything above is a forged or
// corrupted reply, not a big server.
const maxReportedPlayers = 1000

// decodeInfo parses an authenticated 'i' reply.
func decodeInfo(buf []byte) (*BasicInfo, error) {
	cur := newCursor(buf, headerSize)

	passworded, ok := cur.readByte()
	if !ok {
		return nil, fmt.Errorf("%w: info truncated", ErrMalformed)
	}
	players, ok := cur.readUint16()
	if !ok {
		return nil, fmt.Errorf("%w: info truncated", ErrMalformed)
	}
	maxPlayers, ok := cur.readUint16()
	if !ok {
		return nil, fmt.Errorf("%w: info truncated", ErrMalformed)
	}

	if players > maxReportedPlayers || maxPlayers > maxReportedPlayers || players > maxPlayers {
		return nil, fmt.Errorf("%w: implausible player counts %d/%d", ErrMalformed, players, maxPlayers)
	}

	hostname, ok := cur.readString32(maxHostname)
	if !ok {
		return nil, fmt.Errorf("%w: bad hostname field", ErrMalformed)
	}
	gamemode, ok := cur.readString32(maxGamemode)
	if !ok {
		return nil, fmt.Errorf("%w: bad gamemode field", ErrMalformed)
	}
	language, ok := cur.readString32(maxLanguage)
	if !ok {
		return nil, fmt.Errorf("%w: bad language field", ErrMalformed)
	}

	return &BasicInfo{
		Passworded: passworded != 0,
		Players:    int(players),
		MaxPlayers: int(maxPlayers),
		Hostname:   decodeText(hostname, maxHostname),
		Gamemode:   decodeText(gamemode, maxGamemode),
		Language:   decodeText(language, maxLanguage),
	}, nil
}

// decodeRules parses an authenticated 'r' reply. A record cut off by the
// end of the buffer ends the walk; everything parsed so far is returned.
func decodeRules(buf []byte) Rules {
	cur := newCursor(buf, headerSize)
	rules := Rules{}

	count, ok := cur.readUint16()
	if !ok {
		return rules
	}

	for i := 0; i < int(count); i++ {
		name, ok := cur.readString8(maxRuleName)
		if !ok {
			break
		}
		value, ok := cur.readString8(maxRuleVal)
		if !ok {
			break
		}
		rules[decodeText(name, maxRuleName)] = decodeText(value, maxRuleVal)
	}

	return rules
}

// decodePlayers parses an authenticated 'c' reply. A record with an
// invalid name length or insufficient remaining bytes truncates the list;
// entries whose decoded name is empty are dropped.
func decodePlayers(buf []byte) []Player {
	cur := newCursor(buf, headerSize)

	count, ok := cur.readUint16()
	if !ok {
		return nil
	}

	players := make([]Player, 0, min(int(count), 100))
	for i := 0; i < int(count); i++ {
		name, ok := cur.readString8(maxName)
		if !ok {
			break
		}
		score, ok := cur.readInt32()
		if !ok {
			break
		}
		if n := decodeText(name, maxName); n != "" {
			players = append(players, Player{Name: n, Score: score})
		}
	}

	return players
}

// decodeDetailedPlayers parses an authenticated 'd' reply with the same
// truncation discipline as decodePlayers.
func decodeDetailedPlayers(buf []byte) []DetailedPlayer {
	cur := newCursor(buf, headerSize)

	count, ok := cur.readUint16()
	if !ok {
		return nil
	}

	players := make([]DetailedPlayer, 0, min(int(count), 100))
	for i := 0; i < int(count); i++ {
		slot, ok := cur.readByte()
		if !ok {
			break
		}
		name, ok := cur.readString8(maxName)
		if !ok {
			break
		}
		score, ok := cur.readInt32()
		if !ok {
			break
		}
		ping, ok := cur.readUint32()
		if !ok {
			break
		}
		players = append(players, DetailedPlayer{
			Slot:  slot,
			Name:  decodeText(name, maxName),
			Score: score,
			Ping:  ping,
		})
	}

	return players
}

// decodePing extracts the echoed 4-byte challenge of a 'p' reply.
func decodePing(buf []byte) ([4]byte, error) {
	var nonce [4]byte
	cur := newCursor(buf, headerSize)

	echo, ok := cur.readBytes(4)
	if !ok {
		return nonce, fmt.Errorf("%w: ping echo truncated", ErrMalformed)
	}
	copy(nonce[:], echo)
	return nonce, nil
}

// decodeExtraInfo parses an authenticated open.mp 'o' reply. Fields are
// optional and positional; the walk stops at the first field that does
// not fit the remaining buffer.
func decodeExtraInfo(buf []byte) *ExtraInfo {
	cur := newCursor(buf, headerSize)
	extra := &ExtraInfo{}

	fields := []*string{
		&extra.DiscordURL,
		&extra.BannerLight,
		&extra.BannerDark,
		&extra.LogoURL,
	}
	for _, field := range fields {
		raw, ok := cur.readString32(maxURL)
		if !ok {
			break
		}
		if len(raw) > 0 {
			*field = decodeText(raw, maxURL)
		}
	}

	return extra
}
