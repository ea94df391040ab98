package models

// All lists every persisted model in migration order.
func All() []interface{} {
	return []interface{}{
		&Agent{},
		&AgentFirewallRule{},
		&AgentFirewallReport{},
		&AuthEvent{},
		&IPGeolocation{},
		&IPThreatIntel{},
		&BlockingRule{},
		&IPBlock{},
		&BlockingAction{},
		&FirewallCommand{},
		&ThreatEvaluationLog{},
		&Notification{},
		&NotificationProvider{},
	}
}
