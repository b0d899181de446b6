package sshserver

// Config defines SSH viewer settings.
type Config struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
}
