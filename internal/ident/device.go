package ident

import "strings"

// DeviceType is the coarse client classification shown next to a user.
type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceTablet  DeviceType = "tablet"
	DeviceCLI     DeviceType = "cli"
	DeviceUnknown DeviceType = "unknown"
)

var (
	tabletMarkers  = []string{"ipad", "tablet", "kindle", "silk", "playbook"}
	mobileMarkers  = []string{"mobi", "iphone", "ipod", "android", "windows phone", "blackberry", "opera mini"}
	cliMarkers     = []string{"curl/", "wget/", "go-http-client", "httpie", "python-requests", "roomshare-cli"}
	desktopMarkers = []string{"windows nt", "macintosh", "mac os x", "x11", "linux", "cros"}
)

// ClassifyDevice derives a DeviceType from a User-Agent header.
func ClassifyDevice(userAgent string) DeviceType {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		return DeviceUnknown
	}
	// Android tablets omit "mobi"; check tablets before phones.
	if containsAny(ua, tabletMarkers) || (strings.Contains(ua, "android") && !strings.Contains(ua, "mobi")) {
		return DeviceTablet
	}
	if containsAny(ua, mobileMarkers) {
		return DeviceMobile
	}
	if containsAny(ua, cliMarkers) {
		return DeviceCLI
	}
	if containsAny(ua, desktopMarkers) {
		return DeviceDesktop
	}
	return DeviceUnknown
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
