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

package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vpiduri/analyzer-batch/internal/seriescodec"
)

// FileLearner is the production Learner: the learner process polls
// training-data directories, so a submission is a check file plus the
// window itself dropped into the anomaly's directory. parentID is always
// zero from the batch path; the learner assigns real parent ids when it
// layers profiles.
type FileLearner struct{}

// SubmitAnomalous drops the keyed check file and the window JSON into dir.
func (FileLearner) SubmitAnomalous(ctx context.Context, dir string, ts int64, base string, value float64, fromTS int64, algorithms []string, window []seriescodec.Point, fullDuration string, parentID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("router: creating %s: %w", dir, err)
	}

	checkPath := filepath.Join(dir, fmt.Sprintf("%d.%s.ionosphere.check.txt", ts, strings.ReplaceAll(base, "/", "_")))
	content := fmt.Sprintf(
		"metric='%s', value='%v', from_timestamp='%d', metric_timestamp='%d', algorithms=%s, full_duration='%s', parent_id='%d', added_at='%d'\n",
		base, value, fromTS, ts, quoteJoin(algorithms), fullDuration, parentID, time.Now().Unix(),
	)
	if err := os.WriteFile(checkPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("router: writing %s: %w", checkPath, err)
	}

	jsonPath := filepath.Join(dir, fmt.Sprintf("%s.json", base))
	var b strings.Builder
	b.WriteString("(")
	for i, p := range window {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(%d, %v)", p.Timestamp, p.Value)
	}
	b.WriteString(")")
	if err := os.WriteFile(jsonPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("router: writing %s: %w", jsonPath, err)
	}
	return nil
}
