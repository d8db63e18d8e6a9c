package probe

import (
	"errors"
	"fmt"
	"syscall"
)

// DefaultPorts covers the services smart-home accessories and their bridges
// usually expose.
var DefaultPorts = []int{80, 443, 8080, 8443, 22, 445, 548, 554, 1400, 5540, 7000, 8008, 8009, 8123, 51826}

var knownServiceNames = map[int]string{
	21:    "FTP",
	22:    "SSH",
	23:    "Telnet",
	53:    "DNS",
	80:    "HTTP",
	139:   "NetBIOS Session",
	443:   "HTTPS",
	445:   "SMB",
	548:   "AFP",
	554:   "RTSP",
	631:   "IPP",
	1400:  "Sonos",
	1883:  "MQTT",
	1900:  "SSDP/UPnP",
	3389:  "RDP",
	5000:  "UPnP/WS",
	5353:  "mDNS",
	5540:  "Matter",
	6053:  "ESPHome API",
	6668:  "Tuya",
	7000:  "AirPlay",
	8008:  "Google Cast",
	8009:  "Google Cast TLS",
	8080:  "HTTP Alt",
	8123:  "Home Assistant",
	8443:  "HTTPS Alt",
	8883:  "MQTT TLS",
	8888:  "HTTP Alt",
	51826: "HomeKit HAP",
}

// ServiceName infers the service behind an open TCP port.
func ServiceName(port int) string {
	if name := knownServiceNames[port]; name != "" {
		return name
	}
	return fmt.Sprintf("TCP %d", port)
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
