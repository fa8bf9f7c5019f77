// Coweave
// Copyright (C) 2025 Coweave, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package collab

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coweave/coweave/lib/utils"
)

var (
	hubsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coweave_hubs_open",
		Help: "Number of document hubs resident on this instance.",
	})
	clientsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coweave_clients_open",
		Help: "Number of clients attached across all hubs.",
	})
	framesIn = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_frames_in_total",
		Help: "Number of frames received from clients.",
	})
	framesOut = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_frames_out_total",
		Help: "Number of frames enqueued to clients.",
	})
	slowConsumerCloses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_slow_consumer_closes_total",
		Help: "Number of clients disconnected because their outbound queue overflowed.",
	})
	busUpdateErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coweave_bus_update_errors_total",
		Help: "Number of bus deliveries that failed to apply to a replica.",
	})
)

func init() {
	if err := utils.RegisterPrometheusCollectors(
		hubsOpen, clientsOpen, framesIn, framesOut, slowConsumerCloses, busUpdateErrors,
	); err != nil {
		panic(err)
	}
}
