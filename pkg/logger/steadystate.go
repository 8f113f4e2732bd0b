package logger

import (
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/datatype"
	"github.com/etherkitten/etherkitten/pkg/logcodec"
)

// steadyState implements spec.md 4.10's phase 4: one pass per iteration,
// round-robin between register series and the process image, absolute
// priority for queued CoE updates, best-effort for error messages.
// Sleeps briefly when no block is producible.
func (l *Logger) steadyState() {
	for {
		select {
		case <-l.halt:
			l.drainCoEUpdates()
			return
		default:
		}

		wroteSomething := l.drainCoEUpdates()
		wroteSomething = l.writeOneErrorIfAvailable() || wroteSomething
		wroteSomething = l.writeOneRoundRobinBlock() || wroteSomething

		if l.cfg.OnProgress != nil {
			l.cfg.OnProgress(l.w.n)
		}
		if !wroteSomething {
			time.Sleep(l.cfg.IdleSleep)
		}
	}
}

// drainCoEUpdates writes a sample for every CoE object whose cached
// value has changed since the last pass, ahead of any other block --
// per spec.md 4.10's "absolute priority" for CoE updates.
func (l *Logger) drainCoEUpdates() bool {
	wrote := false
	for _, obj := range l.reader.CoECache().Objects() {
		view := l.reader.CoECache().NewestValueView(obj)
		point, ok := view.Point()
		if !ok || point.Time < l.cfg.StartTime {
			continue
		}
		if last, seen := l.coeLastSeen[obj]; seen && last >= point.Time {
			continue
		}
		dt := l.lookupCoEType(obj)
		if err := logcodec.WriteCoESampleRecord(l.w, point.Time, obj, dt, point.Value); err != nil {
			l.logger.Error("log CoE sample write failed", "error", err)
			continue
		}
		l.coeLastSeen[obj] = point.Time
		wrote = true
	}
	return wrote
}

func (l *Logger) lookupCoEType(obj dataobject.CoEObject) datatype.EtherCATDataType {
	info, err := l.informant.SlaveInfo(obj.SlaveID)
	if err != nil {
		return datatype.Unsigned32
	}
	for _, entry := range info.CoEEntries {
		if entry.Index != obj.Index {
			continue
		}
		if dt, ok := entry.DataType[obj.SubIndex]; ok {
			return datatype.EtherCATDataType(dt)
		}
	}
	return datatype.Unsigned32
}

// writeOneErrorIfAvailable writes at most one queued error message, on a
// best-effort basis: a write failure is logged but never fatal to the
// logging session.
func (l *Logger) writeOneErrorIfAvailable() bool {
	if !l.errorsView.HasNext() {
		return false
	}
	msg, t := l.errorsView.Next()
	if t < l.cfg.StartTime {
		return true
	}
	if err := logcodec.WriteErrorMessageRecord(l.w, msg); err != nil {
		l.logger.Warn("log error-message write failed", "error", err)
	}
	return true
}

// writeOneRoundRobinBlock advances the round-robin cursor across the
// process image and every register series, writing the next available
// sample from whichever source the cursor currently points at.
func (l *Logger) writeOneRoundRobinBlock() bool {
	keys := l.reader.RegisteredKeys()
	totalSources := 1 + len(keys)

	for i := 0; i < totalSources; i++ {
		slot := l.regCursor % totalSources
		l.regCursor++

		if slot == 0 {
			if l.ioMapView.HasNext() {
				data, t := l.ioMapView.Next()
				if t < l.cfg.StartTime {
					continue
				}
				if err := logcodec.WriteProcessImageRecord(l.w, t, data); err != nil {
					l.logger.Error("log process-image write failed", "error", err)
					continue
				}
				return true
			}
			continue
		}

		idx := slot - 1
		if idx >= len(keys) {
			continue
		}
		key := keys[idx]
		view, ok := l.regViews[key]
		if !ok {
			view = l.reader.RegisterSeries(key.SlaveID, key.Register).GetView(ek.TimeSeries{StartTime: l.cfg.StartTime})
			l.regViews[key] = view
		}
		if !view.HasNext() {
			continue
		}
		value, t := view.Next()
		if t < l.cfg.StartTime {
			continue
		}
		if err := logcodec.WriteRegisterSampleRecord(l.w, t, key.Register, uint16(key.SlaveID), value); err != nil {
			l.logger.Error("log register-sample write failed", "error", err)
			continue
		}
		return true
	}
	return false
}
