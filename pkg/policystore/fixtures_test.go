package policystore

import "accessgov/pkg/models"

func salesPolicy() models.Policy {
	return models.Policy{
		Resource:     "sales-db",
		ResourceType: models.ResourceCloudSQL,
		Enabled:      true,
		Roles: []models.Role{
			{
				Name:        "read_only",
				Permissions: []string{"cloudsql.instances.connect", "cloudsql.databases.select"},
				Conditions:  []models.Condition{{Department: "sales"}},
			},
			{
				Name:        "analyst",
				Permissions: []string{"cloudsql.databases.export"},
				Conditions:  []models.Condition{{Department: "sales", JobLevel: "senior"}},
				Inheritance: &models.Inheritance{ParentRoles: []string{"read_only"}, InheritPermissions: true},
			},
			{
				Name:        "auditor",
				Permissions: []string{"cloudsql.audit.read"},
				Inheritance: &models.Inheritance{ParentRoles: []string{"read_only"}},
			},
		},
		ApprovalWorkflow: models.ApprovalWorkflow{
			ApprovalRequired: true,
			Approvers: []models.Approver{
				{Type: models.ApproverUser, Value: "alice", Order: 1},
				{Type: models.ApproverRole, Value: "dba", Order: 2},
			},
			AutoApproveConditions: []models.AutoApproveCondition{{Department: "sales", RequestDuration: "7d"}},
			Escalation:            &models.Escalation{TimeoutHours: 24, EscalateTo: "carol"},
		},
		AccessDuration:        "30d",
		AccessDurationOptions: []models.DurationSpec{"1d", "7d", "30d"},
		Renewal:               models.Renewal{AutoRenew: true, MaxRenewals: 2, RenewalNotificationDays: []int{7, 1}},
		Audit:                 models.AuditSettings{Enabled: true, LogLevel: models.LogLevelDetailed, RetentionDays: 365},
	}
}
