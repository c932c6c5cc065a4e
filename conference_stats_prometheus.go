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
	statsConferencesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "conferences",
		Help:      "The current number of live conferences",
	})
	statsParticipantDevicesCurrent = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "devices",
		Help:      "The current number of joined participant devices",
	})
	statsConferenceEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "events_total",
		Help:      "The total number of emitted conference events",
	}, []string{"type"})
	statsEktRotationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "conference",
		Subsystem: "focus",
		Name:      "ekt_rotations_total",
		Help:      "The total number of conference key rotations",
	})

	conferenceStats = []prometheus.Collector{
		statsConferencesCurrent,
		statsParticipantDevicesCurrent,
		statsConferenceEventsTotal,
		statsEktRotationsTotal,
	}
)

func registerAll(cs ...prometheus.Collector) {
	for _, c := range cs {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
}

func RegisterConferenceStats() {
	registerAll(conferenceStats...)
}
