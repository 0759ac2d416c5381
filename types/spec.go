package types

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// CreateSpec is a provisioning request.
type CreateSpec struct {
	HostID         string       `json:"host_id"`
	Name           string       `json:"name"`
	Version        string       `json:"version,omitempty"`
	CreationType   CreationType `json:"creation_type"`
	SourceDatabase string       `json:"source_database,omitempty"` // clone
	SourceSnapshot string       `json:"source_snapshot,omitempty"` // snapshot_restore
	QuotaBytes     int64        `json:"quota_bytes,omitempty"`
}

// ConnectionInfo is what a client needs to reach a database.
type ConnectionInfo struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// URI renders a postgres:// connection string.
func (c ConnectionInfo) URI() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Username, c.Password),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// DSN renders a keyword/value connection string with the given connect timeout.
func (c ConnectionInfo) DSN(connectTimeoutSeconds int) string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable connect_timeout=%d",
		dsnQuote(c.Host), c.Port, dsnQuote(c.Database), dsnQuote(c.Username), dsnQuote(c.Password), connectTimeoutSeconds)
}

func dsnQuote(v string) string {
	return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(v) + "'"
}
