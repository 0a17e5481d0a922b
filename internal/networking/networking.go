// Copyright (c) Microsoft Corporation. All rights reserved.

package networking

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

const (
	// How long a port handed out by GetFreePort is kept away from subsequent calls.
	recentPortQuarantine = 30 * time.Second
)

var (
	recentPortsLock sync.Mutex
	recentPorts     = map[string]time.Time{}
)

// Gets a free TCP port for a given address (defaults to localhost).
// Even if this method is called twice in a row, it should not return the same port.
func GetFreePort(address string, log logr.Logger) (int, error) {
	if address == "" {
		address = "localhost"
	}

	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		port, err := doGetFreePort(address)
		if err != nil {
			return 0, err
		}

		if reservePort(address, port) {
			return port, nil
		}
		log.V(1).Info("port was handed out recently, trying another one", "Address", address, "Port", port)
	}

	return 0, fmt.Errorf("could not find a free port for address %s", address)
}

// FindFreePort returns preferred if it can be bound on address, otherwise some other free port.
func FindFreePort(address string, preferred int, log logr.Logger) (int, error) {
	if address == "" {
		address = "localhost"
	}

	if IsValidPort(preferred) {
		if err := CheckPortAvailable(address, preferred); err == nil {
			if reservePort(address, preferred) {
				return preferred, nil
			}
		} else {
			log.V(1).Info("preferred port is not available, picking a free one", "Address", address, "Port", preferred, "Reason", err.Error())
		}
	}

	return GetFreePort(address, log)
}

func CheckPortAvailable(address string, port int) error {
	tcpaddr, err := net.ResolveTCPAddr("tcp", AddressAndPort(address, port))
	if err != nil {
		return err
	}

	listener, listenErr := net.ListenTCP("tcp", tcpaddr)
	if listenErr != nil {
		return listenErr
	}
	return listener.Close()
}

func IsValidPort(port int) bool {
	return port >= 1 && port <= 65535
}

func AddressAndPort(address string, port int) string {
	return net.JoinHostPort(address, strconv.Itoa(port))
}

func doGetFreePort(address string) (int, error) {
	tcpaddr, err := net.ResolveTCPAddr("tcp", AddressAndPort(address, 0))
	if err != nil {
		return 0, err
	}

	listener, listenErr := net.ListenTCP("tcp", tcpaddr)
	if listenErr != nil {
		return 0, listenErr
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()
	return port, nil
}

func reservePort(address string, port int) bool {
	recentPortsLock.Lock()
	defer recentPortsLock.Unlock()

	now := time.Now()
	for key, reserved := range recentPorts {
		if now.Sub(reserved) > recentPortQuarantine {
			delete(recentPorts, key)
		}
	}

	key := AddressAndPort(address, port)
	if _, found := recentPorts[key]; found {
		return false
	}
	recentPorts[key] = now
	return true
}
