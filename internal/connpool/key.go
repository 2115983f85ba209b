package connpool

import "fmt"

// Key derives the pool key for cfg.
//
//   - Telnet:                    telnet:<host>:<port>[:tabId]
//   - SSH, tabId present:        tab:<tabId>:<host>:<port>:<user>[:proxy:<phost>:<pport>:<ptype>]
//   - SSH, tabId absent:         <host>:<port>:<user>
//
// Derivation never depends on credentials, so two requests that differ only
// in password/key reuse the same transport.
func Key(cfg Config) string {
	if cfg.Protocol == ProtoTelnet {
		if cfg.TabID != "" {
			return fmt.Sprintf("telnet:%s:%d:%s", cfg.Host, cfg.Port, cfg.TabID)
		}
		return fmt.Sprintf("telnet:%s:%d", cfg.Host, cfg.Port)
	}

	var proxySuffix string
	if cfg.Proxy != nil && cfg.Proxy.Type != "" && cfg.Proxy.Type != "none" {
		proxySuffix = fmt.Sprintf(":proxy:%s:%d:%s", cfg.Proxy.Host, cfg.Proxy.Port, cfg.Proxy.Type)
	}

	if cfg.TabID != "" {
		return fmt.Sprintf("tab:%s:%s:%d:%s%s", cfg.TabID, cfg.Host, cfg.Port, cfg.User, proxySuffix)
	}
	return fmt.Sprintf("%s:%d:%s%s", cfg.Host, cfg.Port, cfg.User, proxySuffix)
}

// HostKey returns the (host,port,user) grouping key used for the
// per-server cap, ignoring any tab isolation or proxy suffix.
func HostKey(cfg Config) string {
	return fmt.Sprintf("%s:%d:%s", cfg.Host, cfg.Port, cfg.User)
}

// legacyTabKeyPrefix matches keys of the form tab:<tabId>:host:port:user...
// so getByTab can fall back to parsing a key it doesn't otherwise recognize.
const legacyTabKeyPrefix = "tab:"
