package tracker

import "github.com/nicktill/tinytrack/pkg/track"

// Internal event names. They use the reserved prefix, which only
// SDK-generated events may carry.
const (
	eventSearch   = "da.search"
	eventShare    = "da.share"
	eventComment  = "da.comment"
	eventFavorite = "da.favorite"
	eventScreen   = "da.screen"
	eventMission  = "da.mission"
)

// trackInternal captures an SDK-generated event, bypassing the reserved
// prefix check but nothing else.
func (t *Tracker) trackInternal(name string, attrs map[string]track.Value, costSeconds float64) {
	t.capture(track.Input{
		Name:        name,
		Attributes:  attrs,
		CostSeconds: costSeconds,
		Internal:    true,
	})
}

// TrackSearch records a search activity.
func (t *Tracker) TrackSearch(keyword, searchType string) {
	t.trackInternal(eventSearch, map[string]track.Value{
		"keyword":     track.String(keyword),
		"search_type": track.String(searchType),
	}, 0)
}

// TrackShare records a share activity.
func (t *Tracker) TrackShare(content, from, to string) {
	t.trackInternal(eventShare, map[string]track.Value{
		"content": track.String(content),
		"from":    track.String(from),
		"to":      track.String(to),
	}, 0)
}

// TrackComment records a comment activity.
func (t *Tracker) TrackComment(content, onItem string) {
	t.trackInternal(eventComment, map[string]track.Value{
		"content": track.String(content),
		"on_item": track.String(onItem),
	}, 0)
}

// TrackFavorite records a favorite activity.
func (t *Tracker) TrackFavorite(item string) {
	t.trackInternal(eventFavorite, map[string]track.Value{
		"item": track.String(item),
	}, 0)
}

// TrackScreen records a screen view.
func (t *Tracker) TrackScreen(screenName string) {
	t.trackInternal(eventScreen, map[string]track.Value{
		"screen": track.String(screenName),
	}, 0)
}

// missionTimerKey namespaces the implicit per-mission timer so it cannot
// collide with caller timers.
func missionTimerKey(missionID string) string {
	return eventMission + ":" + missionID
}

// TrackMissionBegan marks a mission as started and begins timing it.
func (t *Tracker) TrackMissionBegan(missionID string) {
	t.props.StartTimer(missionTimerKey(missionID))
	t.trackInternal(eventMission, map[string]track.Value{
		"mission_id": track.String(missionID),
		"status":     track.String("began"),
	}, 0)
}

// TrackMissionAccomplished marks a mission as finished. The event carries
// the elapsed time since TrackMissionBegan as its cost duration.
func (t *Tracker) TrackMissionAccomplished(missionID string) {
	var cost float64
	if elapsed, ok := t.props.ConsumeTimer(missionTimerKey(missionID)); ok {
		cost = elapsed.Seconds()
	}
	t.trackInternal(eventMission, map[string]track.Value{
		"mission_id": track.String(missionID),
		"status":     track.String("accomplished"),
	}, cost)
}

// TrackMissionFailed marks a mission as failed with a reason, carrying
// the elapsed time since TrackMissionBegan.
func (t *Tracker) TrackMissionFailed(missionID, reason string) {
	var cost float64
	if elapsed, ok := t.props.ConsumeTimer(missionTimerKey(missionID)); ok {
		cost = elapsed.Seconds()
	}
	t.trackInternal(eventMission, map[string]track.Value{
		"mission_id": track.String(missionID),
		"status":     track.String("failed"),
		"reason":     track.String(reason),
	}, cost)
}
