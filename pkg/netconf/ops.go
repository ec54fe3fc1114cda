package netconf

import (
	"fmt"
	"strconv"
	"strings"
)

// Datastore names accepted by get-config and edit-config.
const (
	Running   = "running"
	Candidate = "candidate"
)

// ValidDatastore reports whether name is a datastore this package addresses.
func ValidDatastore(name string) bool { return name == Running || name == Candidate }

// GetConfig builds a <get-config> body. A filter that is not already a
// <filter> element is placed inside a subtree filter unchanged.
func GetConfig(source, filter string) []byte {
	var b strings.Builder
	b.WriteString("<get-config><source><")
	b.WriteString(source)
	b.WriteString("/></source>")
	if f := strings.TrimSpace(filter); f != "" {
		if RootElement(f) == "filter" {
			b.WriteString(f)
		} else {
			b.WriteString(`<filter type="subtree">`)
			b.WriteString(f)
			b.WriteString("</filter>")
		}
	}
	b.WriteString("</get-config>")
	return []byte(b.String())
}

// EditOptions parameterize <edit-config>.
type EditOptions struct {
	Target           string
	Config           string
	DefaultOperation string
	TestOption       string
	ErrorOption      string
}

// EditConfig builds an <edit-config> body. Config must already be a <config> element.
func EditConfig(o EditOptions) []byte {
	var b strings.Builder
	b.WriteString("<edit-config><target><")
	b.WriteString(o.Target)
	b.WriteString("/></target>")
	if o.DefaultOperation != "" {
		b.WriteString("<default-operation>" + o.DefaultOperation + "</default-operation>")
	}
	if o.TestOption != "" {
		b.WriteString("<test-option>" + o.TestOption + "</test-option>")
	}
	if o.ErrorOption != "" {
		b.WriteString("<error-option>" + o.ErrorOption + "</error-option>")
	}
	b.WriteString(strings.TrimSpace(o.Config))
	b.WriteString("</edit-config>")
	return []byte(b.String())
}

// WrapConfig ensures cfg is enclosed in a <config> element in the base namespace.
func WrapConfig(cfg string) string {
	cfg = strings.TrimSpace(cfg)
	if RootElement(cfg) == "config" {
		return cfg
	}
	return `<config xmlns="` + BaseNamespace + `">` + cfg + "</config>"
}

// CommitOptions parameterize a commit.
type CommitOptions struct {
	Confirmed bool
	// ConfirmTimeout is in seconds; zero leaves the device default (600s).
	ConfirmTimeout int
	Comment        string
}

// Commit builds an RFC 6241 <commit> body. Comment is not part of the
// standard operation and is ignored here.
func Commit(o CommitOptions) []byte {
	if !o.Confirmed {
		return []byte("<commit/>")
	}
	var b strings.Builder
	b.WriteString("<commit><confirmed/>")
	if o.ConfirmTimeout > 0 {
		b.WriteString("<confirm-timeout>" + strconv.Itoa(o.ConfirmTimeout) + "</confirm-timeout>")
	}
	b.WriteString("</commit>")
	return []byte(b.String())
}

// CommitConfiguration builds the Junos-style <commit-configuration> body.
func CommitConfiguration(o CommitOptions) []byte {
	var b strings.Builder
	if o.Confirmed {
		fmt.Fprintf(&b, `<commit-configuration confirmed="true" confirm-timeout="%d">`, o.ConfirmTimeout)
	} else {
		b.WriteString("<commit-configuration>")
	}
	if o.Comment != "" {
		b.WriteString("<log>" + escape(o.Comment) + "</log>")
	}
	b.WriteString("</commit-configuration>")
	return []byte(b.String())
}

// CancelCommit builds a <cancel-commit> body.
func CancelCommit() []byte { return []byte("<cancel-commit/>") }

// CloseSession builds a <close-session> body.
func CloseSession() []byte { return []byte("<close-session/>") }
