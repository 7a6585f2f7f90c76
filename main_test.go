// Copyright (C) 2024 right-sizer contributors
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
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAlgorithmsKnownNames(t *testing.T) {
	algorithms := buildAlgorithms([]string{"stddev_outlier", "median_absolute_deviation", "first_hit"})

	assert.Len(t, algorithms, 3)
	assert.Equal(t, "stddev_outlier", algorithms[0].Name())
	assert.Equal(t, "median_absolute_deviation", algorithms[1].Name())
	assert.Equal(t, "first_hit", algorithms[2].Name())
}

func TestBuildAlgorithmsSkipsUnknown(t *testing.T) {
	algorithms := buildAlgorithms([]string{"stddev_outlier", "nope"})

	assert.Len(t, algorithms, 1)
}

func TestBuildAlgorithmsEmpty(t *testing.T) {
	assert.Empty(t, buildAlgorithms(nil))
}
