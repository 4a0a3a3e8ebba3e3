package transport

import (
	"fmt"
	"net/url"
	"strconv"
)

// VHostInfo is the connection target for one broker virtual host
type VHostInfo struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
	TLS      bool
}

// URL rebuilds the amqp URI for the target
func (i VHostInfo) URL() string {
	scheme := "amqp"
	if i.TLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme:  scheme,
		User:    url.UserPassword(i.Username, i.Password),
		Host:    i.Host + ":" + strconv.Itoa(i.Port),
		Path:    "/" + i.VHost,
		RawPath: "/" + url.PathEscape(i.VHost),
	}
	return u.String()
}

// String never includes the password
func (i VHostInfo) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", i.Username, i.Host, i.Port, i.VHost)
}
