package messaging

import "fmt"

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Connected indicates if the client is connected.
	Connected bool `json:"connected"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// CheckConnection reports whether conn is usable.
func CheckConnection(conn Connection) HealthStatus {
	if conn == nil {
		return HealthStatus{Error: "client is nil"}
	}
	if !conn.IsConnected() {
		return HealthStatus{Error: "not connected to message broker"}
	}
	return HealthStatus{Connected: true}
}

// Err converts an unhealthy status into an error.
func (s HealthStatus) Err() error {
	if s.Connected {
		return nil
	}
	return fmt.Errorf("messaging unhealthy: %s", s.Error)
}
