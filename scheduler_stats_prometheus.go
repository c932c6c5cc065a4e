/**
 * SIP conference orchestration and synchronization core.
 * Copyright (C) 2026 vconf authors
 *
 * @license GNU AGPL version 3 or any later version
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */
package conference

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	statsAllocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "scheduler",
		Name:      "allocations_total",
		Help:      "The total number of accepted conference allocations",
	})
	statsAllocationErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "scheduler",
		Name:      "allocation_errors_total",
		Help:      "The total number of failed conference allocations",
	})
	statsJoinsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "scheduler",
		Name:      "joins_rejected_total",
		Help:      "The total number of rejected join attempts",
	}, []string{"reason"})
	statsDescriptorsPurgedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "scheduler",
		Name:      "descriptors_purged_total",
		Help:      "The total number of purged conference descriptors",
	})
	statsInvitationsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "scheduler",
		Name:      "invitations_sent_total",
		Help:      "The total number of delivered conference invitations",
	})

	schedulerStats = []prometheus.Collector{
		statsAllocationsTotal,
		statsAllocationErrorsTotal,
		statsJoinsRejectedTotal,
		statsDescriptorsPurgedTotal,
		statsInvitationsSentTotal,
	}
)

func RegisterSchedulerStats() {
	registerAll(schedulerStats...)
}
