package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"spa_call_booking/internal/models"
)

// Bookings 工具调用依赖的预约操作
type Bookings interface {
	CheckAvailability(ctx context.Context, date, startTime string) (models.Availability, error)
	Book(ctx context.Context, req models.BookingRequest) (models.Booking, error)
	Cancel(ctx context.Context, phone, reference string) (models.Booking, error)
	Latest(ctx context.Context, phone string) (models.Booking, error)
	List(ctx context.Context, phone string, includeCancelled bool) ([]models.Booking, error)
}

// 旧版工具名
var toolAliases = map[string]string{
	"check_availability": models.ToolCheckAvailability,
	"book_spa_slot":      models.ToolBookAppointment,
	"delete_appointment": models.ToolCancelAppointment,
}

// CanonicalToolName 将别名解析为标准工具名
func CanonicalToolName(name string) string {
	name = strings.TrimSpace(name)
	if canonical, ok := toolAliases[name]; ok {
		return canonical
	}
	return name
}

type toolHandler func(ctx context.Context, callerPhone string, args json.RawMessage) (models.ToolResult, error)

// ToolDispatcher 将模型的函数调用映射到预约操作
type ToolDispatcher struct {
	bookings Bookings
	log      *zap.Logger
	handlers map[string]toolHandler
}

// NewToolDispatcher 创建工具分发器
func NewToolDispatcher(b Bookings, log *zap.Logger) *ToolDispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	d := &ToolDispatcher{bookings: b, log: log}
	d.handlers = map[string]toolHandler{
		models.ToolCheckAvailability: d.checkAvailability,
		models.ToolBookAppointment:   d.bookAppointment,
		models.ToolLatestAppointment: d.latestAppointment,
		models.ToolCancelAppointment: d.cancelAppointment,
		models.ToolListAppointments:  d.listAppointments,
	}
	return d
}

// Dispatch 执行一次工具调用，任何失败都转换为结构化结果
func (d *ToolDispatcher) Dispatch(ctx context.Context, callerPhone string, call models.ToolCall) (result models.ToolResult) {
	name := CanonicalToolName(call.Name)
	log := d.log.With(zap.String("tool", name), zap.String("call_id", call.CallID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("工具调用发生panic", zap.Any("panic", r))
			result = models.FailureResult(models.InternalError(fmt.Errorf("panic: %v", r)))
		}
	}()

	handler, ok := d.handlers[name]
	if !ok {
		log.Warn("不支持的工具", zap.String("name", call.Name))
		return models.FailureResult(models.NewError(models.KindUnsupportedTool,
			fmt.Sprintf("The function %q is not available.", call.Name)))
	}

	args := call.Arguments
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage("{}")
	}

	res, err := handler(ctx, models.NormalizePhone(callerPhone), args)
	if err != nil {
		log.Info("工具调用失败", zap.String("reason", string(models.KindOf(err))), zap.Error(err))
		return models.FailureResult(err)
	}
	return res
}

func decodeArgs(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return models.NewError(models.KindInvalidArguments, "The function arguments could not be read: "+err.Error())
	}
	return nil
}

func missingArg(name string) error {
	return models.NewError(models.KindInvalidArguments, fmt.Sprintf("The argument %q is required.", name))
}

type availabilityArgs struct {
	Date      *string `json:"date"`
	StartTime *string `json:"start_time"`
}

func (d *ToolDispatcher) checkAvailability(ctx context.Context, _ string, raw json.RawMessage) (models.ToolResult, error) {
	var args availabilityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return models.ToolResult{}, err
	}
	if args.Date == nil {
		return models.ToolResult{}, missingArg("date")
	}
	if args.StartTime == nil {
		return models.ToolResult{}, missingArg("start_time")
	}

	a, err := d.bookings.CheckAvailability(ctx, *args.Date, *args.StartTime)
	if err != nil {
		return models.ToolResult{}, err
	}

	msg := fmt.Sprintf("The %s session on %s has %d spots remaining.", a.StartTime, a.Date, a.SpotsRemaining)
	if !a.Available {
		msg = fmt.Sprintf("The %s session on %s is fully booked.", a.StartTime, a.Date)
	}
	return models.ToolResult{
		Success:        true,
		Message:        msg,
		Available:      &a.Available,
		SpotsRemaining: &a.SpotsRemaining,
	}, nil
}

type bookArgs struct {
	Name         *string `json:"name"`
	CustomerName *string `json:"customer_name"`
	Phone        string  `json:"phone"`
	Date         *string `json:"date"`
	StartTime    *string `json:"start_time"`
	EndTime      string  `json:"end_time"`
}

func (d *ToolDispatcher) bookAppointment(ctx context.Context, callerPhone string, raw json.RawMessage) (models.ToolResult, error) {
	var args bookArgs
	if err := decodeArgs(raw, &args); err != nil {
		return models.ToolResult{}, err
	}
	name := args.Name
	if name == nil {
		name = args.CustomerName
	}
	if name == nil {
		return models.ToolResult{}, missingArg("name")
	}
	if args.Date == nil {
		return models.ToolResult{}, missingArg("date")
	}
	if args.StartTime == nil {
		return models.ToolResult{}, missingArg("start_time")
	}

	// 来电号码优先，模型给出的号码仅在号码未知时使用
	phone := callerPhone
	if phone == "" {
		phone = args.Phone
	}

	b, err := d.bookings.Book(ctx, models.BookingRequest{
		CustomerName:  *name,
		CustomerPhone: phone,
		Date:          *args.Date,
		StartTime:     *args.StartTime,
		EndTime:       args.EndTime,
	})
	if err != nil {
		return models.ToolResult{}, err
	}
	return models.ToolResult{
		Success: true,
		Message: fmt.Sprintf("Booking confirmed for %s on %s from %s to %s. The booking reference is %s.",
			b.CustomerName, b.Date, b.StartTime, b.EndTime, b.Reference),
		BookingReference: b.Reference,
		BookingID:        b.ID,
		Booking:          &b,
	}, nil
}

type phoneArgs struct {
	PhoneNumber string `json:"phone_number"`
}

func (d *ToolDispatcher) latestAppointment(ctx context.Context, callerPhone string, raw json.RawMessage) (models.ToolResult, error) {
	var args phoneArgs
	if err := decodeArgs(raw, &args); err != nil {
		return models.ToolResult{}, err
	}
	phone := callerPhone
	if phone == "" {
		phone = args.PhoneNumber
	}

	b, err := d.bookings.Latest(ctx, phone)
	if err != nil {
		return models.ToolResult{}, err
	}
	return models.ToolResult{
		Success: true,
		Message: fmt.Sprintf("The latest booking is %s on %s from %s to %s, status %s.",
			b.Reference, b.Date, b.StartTime, b.EndTime, b.Status),
		BookingReference: b.Reference,
		BookingID:        b.ID,
		Booking:          &b,
	}, nil
}

type cancelArgs struct {
	BookingReference string `json:"booking_reference"`
	PhoneNumber      string `json:"phone_number"`
}

func (d *ToolDispatcher) cancelAppointment(ctx context.Context, callerPhone string, raw json.RawMessage) (models.ToolResult, error) {
	var args cancelArgs
	if err := decodeArgs(raw, &args); err != nil {
		return models.ToolResult{}, err
	}
	phone := callerPhone
	if phone == "" {
		phone = args.PhoneNumber
	}

	b, err := d.bookings.Cancel(ctx, phone, args.BookingReference)
	if err != nil {
		return models.ToolResult{}, err
	}
	return models.ToolResult{
		Success:          true,
		Message:          fmt.Sprintf("Booking %s on %s at %s has been cancelled.", b.Reference, b.Date, b.StartTime),
		BookingReference: b.Reference,
		BookingID:        b.ID,
		Booking:          &b,
	}, nil
}

type listArgs struct {
	IncludeCancelled bool `json:"include_cancelled"`
}

func (d *ToolDispatcher) listAppointments(ctx context.Context, callerPhone string, raw json.RawMessage) (models.ToolResult, error) {
	var args listArgs
	if err := decodeArgs(raw, &args); err != nil {
		return models.ToolResult{}, err
	}

	list, err := d.bookings.List(ctx, callerPhone, args.IncludeCancelled)
	if err != nil {
		return models.ToolResult{}, err
	}
	msg := fmt.Sprintf("Found %d bookings for this phone number.", len(list))
	if len(list) == 0 {
		msg = "There are no bookings for this phone number."
	}
	return models.ToolResult{Success: true, Message: msg, Bookings: list}, nil
}

// ToolDefinitions 会话配置中声明的工具
func ToolDefinitions() []models.RealtimeTool {
	str := func(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }
	obj := func(props map[string]any, required ...string) map[string]any {
		if required == nil {
			required = []string{}
		}
		return map[string]any{"type": "object", "properties": props, "required": required}
	}
	starts := make([]string, 0, len(models.Catalog))
	for _, s := range models.Catalog {
		starts = append(starts, s.Start)
	}
	start := map[string]any{"type": "string", "enum": starts, "description": "Session start time, HH:MM"}

	return []models.RealtimeTool{
		{
			Type:        "function",
			Name:        models.ToolCheckAvailability,
			Description: "Check how many spots are left in a spa session.",
			Parameters: obj(map[string]any{
				"date":       str("Date in YYYY-MM-DD"),
				"start_time": start,
			}, "date", "start_time"),
		},
		{
			Type:        "function",
			Name:        models.ToolBookAppointment,
			Description: "Book a spa session for the caller.",
			Parameters: obj(map[string]any{
				"name":       str("Guest full name"),
				"date":       str("Date in YYYY-MM-DD"),
				"start_time": start,
				"end_time":   str("Session end time, HH:MM (optional)"),
			}, "name", "date", "start_time"),
		},
		{
			Type:        "function",
			Name:        models.ToolLatestAppointment,
			Description: "Look up the caller's next booking, or the most recent one.",
			Parameters:  obj(map[string]any{}),
		},
		{
			Type:        "function",
			Name:        models.ToolCancelAppointment,
			Description: "Cancel one of the caller's upcoming bookings. Without a reference the next booking is cancelled.",
			Parameters: obj(map[string]any{
				"booking_reference": str("Booking reference such as SPA-000123"),
			}),
		},
		{
			Type:        "function",
			Name:        models.ToolListAppointments,
			Description: "List the caller's bookings, most recent first.",
			Parameters: obj(map[string]any{
				"include_cancelled": map[string]any{"type": "boolean"},
			}),
		},
	}
}
