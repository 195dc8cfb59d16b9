package lib

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Advertisement is the server description carried by UNCONNECTED_PONG, in
// the semicolon separated form Bedrock clients show in their server list.
type Advertisement struct {
	Edition        string // "MCPE" when empty
	Motd           string
	Protocol       int
	Version        string
	Online         int
	MaxConnections int
	ServerID       int64
	SubMotd        string
	GameMode       string
}

func (a Advertisement) Bytes() []byte {
	edition := a.Edition
	if edition == "" {
		edition = "MCPE"
	}
	fields := []string{
		edition,
		a.Motd,
		strconv.Itoa(a.Protocol),
		a.Version,
		strconv.Itoa(a.Online),
		strconv.Itoa(a.MaxConnections),
		strconv.FormatInt(a.ServerID, 10),
		a.SubMotd,
		a.GameMode,
	}
	return []byte(strings.Join(fields, ";") + ";")
}

// ParseAdvertisement reads the form written by Bytes. Only the first seven
// fields are required.
func ParseAdvertisement(b []byte) (Advertisement, error) {
	fields := strings.Split(strings.TrimSuffix(string(b), ";"), ";")
	if len(fields) < 7 {
		return Advertisement{}, errors.Errorf("advertisement has %d fields, want at least 7", len(fields))
	}
	var (
		a   = Advertisement{Edition: fields[0], Motd: fields[1], Version: fields[3]}
		err error
	)
	if a.Protocol, err = strconv.Atoi(fields[2]); err != nil {
		return Advertisement{}, errors.Wrap(err, "protocol")
	}
	if a.Online, err = strconv.Atoi(fields[4]); err != nil {
		return Advertisement{}, errors.Wrap(err, "online")
	}
	if a.MaxConnections, err = strconv.Atoi(fields[5]); err != nil {
		return Advertisement{}, errors.Wrap(err, "max connections")
	}
	if a.ServerID, err = strconv.ParseInt(fields[6], 10, 64); err != nil {
		return Advertisement{}, errors.Wrap(err, "server id")
	}
	if len(fields) > 7 {
		a.SubMotd = fields[7]
	}
	if len(fields) > 8 {
		a.GameMode = fields[8]
	}
	return a, nil
}
