package ports

import "sort"

// Category buckets a port into its IANA range.
type Category string

const (
	CategoryWellKnown  Category = "well-known"
	CategoryRegistered Category = "registered"
	CategoryDynamic    Category = "dynamic"
)

// UnknownService is reported for ports missing from the catalog.
const UnknownService = "Unknown"

// Info annotates a port with service and risk information.
type Info struct {
	Port       int      `json:"port" xml:"port,attr"`
	Service    string   `json:"service" xml:"service"`
	Category   Category `json:"category" xml:"category"`
	Dangerous  bool     `json:"is_dangerous" xml:"dangerous"`
	DangerNote string   `json:"danger_info,omitempty" xml:"danger_note,omitempty"`
}

var services = map[int]string{
	20:    "FTP Data",
	21:    "FTP Control",
	22:    "SSH",
	23:    "Telnet",
	25:    "SMTP",
	53:    "DNS",
	80:    "HTTP",
	110:   "POP3",
	143:   "IMAP",
	443:   "HTTPS",
	445:   "SMB",
	465:   "SMTPS",
	587:   "SMTP (Submission)",
	993:   "IMAPS",
	995:   "POP3S",
	1433:  "MS SQL Server",
	1521:  "Oracle DB",
	3306:  "MySQL",
	3389:  "RDP",
	5432:  "PostgreSQL",
	5900:  "VNC",
	6379:  "Redis",
	8080:  "HTTP Proxy",
	8443:  "HTTPS Alt",
	9200:  "Elasticsearch",
	27017: "MongoDB",
}

var dangerous = map[int]string{
	23:   "Telnet - unencrypted remote shell",
	445:  "SMB - WannaCry exposure",
	3389: "RDP - frequent brute force target",
	5900: "VNC - often misconfigured",
}

// PortInfo looks up the service name, category and risk note for a port.
func PortInfo(port int) Info {
	info := Info{
		Port:     port,
		Service:  UnknownService,
		Category: CategoryOf(port),
	}
	if name, ok := services[port]; ok {
		info.Service = name
	}
	if note, ok := dangerous[port]; ok {
		info.Dangerous = true
		info.DangerNote = note
	}
	return info
}

// CategoryOf returns the IANA range a port belongs to.
func CategoryOf(port int) Category {
	switch {
	case port >= 0 && port <= 1023:
		return CategoryWellKnown
	case port >= 1024 && port <= 49151:
		return CategoryRegistered
	default:
		return CategoryDynamic
	}
}

// CommonPorts returns the catalogued ports in ascending order.
func CommonPorts() []int {
	result := make([]int, 0, len(services))
	for p := range services {
		result = append(result, p)
	}
	sort.Ints(result)
	return result
}

// DangerousPorts returns the ports flagged as risky in ascending order.
func DangerousPorts() []int {
	result := make([]int, 0, len(dangerous))
	for p := range dangerous {
		result = append(result, p)
	}
	sort.Ints(result)
	return result
}
