package admission

// ClientID keys the window by authenticated user, falling back to network origin.
func ClientID(userID, ip string) string {
	if userID != "" {
		return "user:" + userID
	}
	if ip != "" {
		return "ip:" + ip
	}
	return "unknown"
}
