package virsh

import (
	"context"
	"fmt"
	"strings"
)

// DefaultURI is the test-parameter value selecting the toolstack default.
const DefaultURI = "default"

// NormalizeConnectURI turns a connect_uri parameter into something virsh can
// use. "default" and the empty string select the default hypervisor and
// normalize to "". Other values are canonicalized early to catch mistakes.
func NormalizeConnectURI(ctx context.Context, c *Client, uri string) (string, error) {
	if uri == "" || uri == DefaultURI {
		return "", nil
	}
	return c.ForURI(uri).CanonicalURI(ctx)
}

// CompleteURI returns a URI reaching the local hypervisor driver and daemon
// mode on a remote host over SSH, e.g. "qemu+ssh://10.0.0.2/system".
func CompleteURI(ctx context.Context, c *Client, host string) (string, error) {
	uri, err := c.CanonicalURI(ctx)
	if err != nil {
		return "", err
	}
	driver, _, _ := strings.Cut(uri, ":")
	daemonMode := uri[strings.LastIndex(uri, "/")+1:]
	return fmt.Sprintf("%s+ssh://%s/%s", driver, host, daemonMode), nil
}

// Driver returns the hypervisor driver named by uri, e.g. "qemu" for
// "qemu+ssh://host/system". The empty URI maps to "qemu".
func Driver(uri string) string {
	if uri == "" {
		return "qemu"
	}
	scheme, _, _ := strings.Cut(uri, ":")
	driver, _, _ := strings.Cut(scheme, "+")
	return driver
}
