package relay

import "fmt"

// OutcomeKind — вид результата обработки сообщения одним маршрутом.
type OutcomeKind int

const (
	OutcomeRejected OutcomeKind = iota + 1
	OutcomeDuplicate
	OutcomeBuffered
	OutcomeEnqueued
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeRejected:
		return "rejected"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeEnqueued:
		return "enqueued"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome — результат маршрутизации одного сообщения по одному маршруту.
// Вызывающий код ветвится по Kind, а не по типу ошибки.
type Outcome struct {
	Kind   OutcomeKind
	Reason string // для Rejected: какой фильтр отклонил
	Err    error  // для Failed
}

// Rejected — сообщение отфильтровано (age/topic/blacklist).
func Rejected(reason string) Outcome { return Outcome{Kind: OutcomeRejected, Reason: reason} }

// Duplicate — сообщение уже доставлялось по маршруту.
func Duplicate() Outcome { return Outcome{Kind: OutcomeDuplicate} }

// Buffered — часть альбома принята в буфер.
func Buffered() Outcome { return Outcome{Kind: OutcomeBuffered} }

// Enqueued — сообщение поставлено в исходящую очередь.
func Enqueued() Outcome { return Outcome{Kind: OutcomeEnqueued} }

// Failed — обработка прервалась ошибкой.
func Failed(err error) Outcome { return Outcome{Kind: OutcomeFailed, Err: err} }

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeRejected:
		return fmt.Sprintf("rejected(%s)", o.Reason)
	case OutcomeFailed:
		return fmt.Sprintf("failed(%v)", o.Err)
	default:
		return o.Kind.String()
	}
}
