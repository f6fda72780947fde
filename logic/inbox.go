package logic

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"waxwing/dal"
	"waxwing/dto"
	"waxwing/shared"

	"github.com/PuerkitoBio/goquery"
)

type IInbox interface {
	// HandleActivity applies one inbound activity. receivingUser is the
	// local handle whose inbox got the POST, or empty for the shared
	// inbox. reqProblem reports a malformed or unresolvable activity;
	// err reports storage trouble.
	HandleActivity(receivingUser string, senderActor *dal.Actor, bodyBytes []byte) (reqProblem string, err error)
}

type inbox struct {
	cfg             *shared.Config
	logger          shared.ILogger
	idb             shared.IdBuilder
	repo            dal.IRepo
	actors          IActorCache
	objects         IObjectCache
	notifier        INotifier
	keyStore        IKeyStore
	sender          IActivitySender
	metrics         IMetrics
	reUserUrlParser *regexp.Regexp
}

func NewInbox(
	cfg *shared.Config,
	logger shared.ILogger,
	repo dal.IRepo,
	actors IActorCache,
	objects IObjectCache,
	notifier INotifier,
	keyStore IKeyStore,
	sender IActivitySender,
	metrics IMetrics,
) IInbox {
	reUserUrlParser := regexp.MustCompile("https://" + cfg.Host + "/u/([^/]+)/?$")
	return &inbox{cfg, logger, shared.IdBuilder{Host: cfg.Host}, repo, actors, objects,
		notifier, keyStore, sender, metrics, reUserUrlParser}
}

func (ib *inbox) HandleActivity(
	receivingUser string,
	senderActor *dal.Actor,
	bodyBytes []byte) (reqProblem string, err error) {

	var actBase dto.ActivityInBase
	if jsonErr := json.Unmarshal(bodyBytes, &actBase); jsonErr != nil {
		ib.logger.Info("Invalid JSON in activity body")
		ib.metrics.ActivityRejected("invalid")
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}
	if actBase.Id == "" || actBase.Type == "" || actBase.Actor == "" {
		ib.metrics.ActivityRejected("invalid")
		return "Activity lacks id, type or actor", nil
	}
	if actBase.Actor != senderActor.Url {
		ib.metrics.ActivityRejected(actBase.Type)
		return fmt.Sprintf("Activity actor %s does not match signer %s", actBase.Actor, senderActor.Url), nil
	}

	// Redelivery guard. Marking first means a redelivered activity is a
	// no-op even while the first delivery is still in flight.
	var alreadyHandled bool
	alreadyHandled, err = ib.repo.MarkActivityHandled(actBase.Id, time.Now())
	if err != nil {
		return "", err
	}
	if alreadyHandled {
		ib.logger.Infof("Activity has already been handled: %s", actBase.Id)
		return "", nil
	}

	switch actBase.Type {
	case "Follow":
		reqProblem, err = ib.handleFollow(senderActor, bodyBytes)
	case "Like":
		reqProblem, err = ib.handleLike(senderActor, bodyBytes)
	case "Announce":
		reqProblem, err = ib.handleAnnounce(senderActor, bodyBytes)
	case "Create":
		reqProblem, err = ib.handleCreate(senderActor, bodyBytes)
	case "Undo":
		reqProblem, err = ib.handleUndo(senderActor, bodyBytes)
	default:
		// Not an error: activities we don't model are acknowledged and
		// dropped.
		ib.logger.Infof("Ignoring activity of type %s: %s", actBase.Type, actBase.Id)
		return "", nil
	}

	if err == nil && reqProblem == "" {
		ib.metrics.ActivityHandled(actBase.Type)
	} else if reqProblem != "" {
		ib.metrics.ActivityRejected(actBase.Type)
	}
	return
}

func (ib *inbox) handleFollow(senderActor *dal.Actor, bodyBytes []byte) (reqProblem string, err error) {

	ib.logger.Infof("Handling Follow activity from %s", senderActor.Url)

	var actFollow dto.ActivityIn[string]
	if jsonErr := json.Unmarshal(bodyBytes, &actFollow); jsonErr != nil {
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}

	// Only local actors can be followed here.
	groups := ib.reUserUrlParser.FindStringSubmatch(actFollow.Object)
	if groups == nil {
		return fmt.Sprintf("Follow object is not a local actor: %s", actFollow.Object), nil
	}
	followeeHandle := groups[1]
	var followee *dal.Actor
	followee, err = ib.repo.GetActorByHandle(followeeHandle)
	if err != nil {
		return "", err
	}
	if followee == nil {
		return fmt.Sprintf("User does not exist: %s", followeeHandle), nil
	}

	var isNew bool
	isNew, err = ib.repo.AddEdgeIfNew(dal.EdgeFollow, senderActor.Url, followee.Url, time.Now())
	if err != nil {
		return "", err
	}
	if isNew {
		if _, err = ib.notifier.Emit(dal.NotifFollow, followee.Url, senderActor.Url, followee.Url); err != nil {
			return "", err
		}
	}

	// Follows are auto-accepted. The Accept is sent asynchronously; a
	// failed send does not undo the stored edge.
	go ib.sendAccept(followeeHandle, senderActor, bodyBytes)

	return "", nil
}

func (ib *inbox) sendAccept(followeeHandle string, senderActor *dal.Actor, followBody []byte) {

	privKey, err := ib.keyStore.GetPrivKey(followeeHandle)
	if err != nil {
		ib.logger.Errorf("Failed to get private key of %s: %v", followeeHandle, err)
		return
	}
	followeeUrl := ib.idb.UserUrl(followeeHandle)
	actAccept := &dto.ActivityOut{
		Context: "https://www.w3.org/ns/activitystreams",
		Id:      followeeUrl + "#accept-" + fmt.Sprintf("%d", time.Now().UnixMilli()),
		Type:    "Accept",
		Actor:   followeeUrl,
		Object:  json.RawMessage(followBody),
	}
	if err = ib.sender.Send(privKey, followeeHandle, senderActor.Inbox, actAccept); err != nil {
		ib.logger.Errorf("Failed to send Accept to %s: %v", senderActor.Inbox, err)
	}
}

func (ib *inbox) handleLike(senderActor *dal.Actor, bodyBytes []byte) (reqProblem string, err error) {

	ib.logger.Infof("Handling Like activity from %s", senderActor.Url)

	var actLike dto.ActivityIn[string]
	if jsonErr := json.Unmarshal(bodyBytes, &actLike); jsonErr != nil {
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}
	if actLike.Object == "" {
		return "Like activity lacks object", nil
	}

	var obj *dal.Object
	obj, err = ib.objects.Resolve(actLike.Object)
	if err != nil {
		if IsResolutionError(err) {
			return fmt.Sprintf("Cannot resolve liked object: %v", err), nil
		}
		return "", err
	}

	var isNew bool
	isNew, err = ib.repo.AddEdgeIfNew(dal.EdgeLike, senderActor.Url, obj.Url, time.Now())
	if err != nil {
		return "", err
	}
	if isNew {
		if _, err = ib.notifier.Emit(dal.NotifLike, obj.AuthorUrl, senderActor.Url, obj.Url); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (ib *inbox) handleAnnounce(senderActor *dal.Actor, bodyBytes []byte) (reqProblem string, err error) {

	ib.logger.Infof("Handling Announce activity from %s", senderActor.Url)

	var actAnnounce dto.ActivityIn[string]
	if jsonErr := json.Unmarshal(bodyBytes, &actAnnounce); jsonErr != nil {
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}
	if actAnnounce.Object == "" {
		return "Announce activity lacks object", nil
	}

	// The relayed object's author keeps the provenance; the announcer is
	// recorded separately.
	var obj *dal.Object
	obj, err = ib.objects.ResolveRelayed(actAnnounce.Object, senderActor.Url)
	if err != nil {
		if IsResolutionError(err) {
			return fmt.Sprintf("Cannot resolve announced object: %v", err), nil
		}
		return "", err
	}

	var isNew bool
	isNew, err = ib.repo.AddEdgeIfNew(dal.EdgeAnnounce, senderActor.Url, obj.Url, time.Now())
	if err != nil {
		return "", err
	}
	if isNew {
		if _, err = ib.notifier.Emit(dal.NotifReblog, obj.AuthorUrl, senderActor.Url, obj.Url); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (ib *inbox) handleCreate(senderActor *dal.Actor, bodyBytes []byte) (reqProblem string, err error) {

	ib.logger.Infof("Handling Create activity from %s", senderActor.Url)

	var actCreate dto.ActivityIn[dto.Note]
	if jsonErr := json.Unmarshal(bodyBytes, &actCreate); jsonErr != nil {
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}
	note := actCreate.Object
	if note.Id == "" || note.Type != "Note" {
		// Creates of objects other than notes are acknowledged and
		// dropped, like unknown activity types.
		ib.logger.Infof("Ignoring Create of type %s: %s", note.Type, actCreate.Id)
		return "", nil
	}
	if note.AttributedTo != senderActor.Url {
		return fmt.Sprintf("Note attributed to %s but sent by %s", note.AttributedTo, senderActor.Url), nil
	}

	var obj *dal.Object
	var isNew bool
	obj, isNew, err = ib.objects.StoreNote(&note, "")
	if err != nil {
		return "", err
	}
	if !isNew {
		return "", nil
	}

	if err = ib.emitMentions(senderActor, obj); err != nil {
		return "", err
	}
	return "", ib.recordReply(senderActor, obj)
}

// emitMentions notifies locally known actors linked as mentions in the
// note's content.
func (ib *inbox) emitMentions(senderActor *dal.Actor, obj *dal.Object) error {

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(obj.Content))
	if err != nil {
		ib.logger.Warnf("Failed to parse note content for mentions: %s: %v", obj.Url, err)
		return nil
	}
	seen := make(map[string]struct{})
	var mentioned []string
	doc.Find("a.mention").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok || href == "" {
			return
		}
		if _, dupe := seen[href]; dupe {
			return
		}
		seen[href] = struct{}{}
		mentioned = append(mentioned, href)
	})

	for _, href := range mentioned {
		actor, err := ib.repo.GetActorByUrl(href)
		if err != nil {
			return err
		}
		if actor == nil {
			continue
		}
		if _, err = ib.notifier.Emit(dal.NotifMention, actor.Url, senderActor.Url, obj.Url); err != nil {
			return err
		}
	}
	return nil
}

// recordReply links a reply to its parent, when the parent is already
// cached. No fetch is made for unknown parents.
func (ib *inbox) recordReply(senderActor *dal.Actor, obj *dal.Object) error {

	if obj.InReplyTo == "" {
		return nil
	}
	parent, err := ib.objects.GetStored(obj.InReplyTo)
	if err != nil {
		return err
	}
	if parent == nil {
		return nil
	}
	isNew, err := ib.repo.AddEdgeIfNew(dal.EdgeReply, obj.Url, parent.Url, time.Now())
	if err != nil {
		return err
	}
	if isNew {
		if _, err = ib.notifier.Emit(dal.NotifReply, parent.AuthorUrl, senderActor.Url, obj.Url); err != nil {
			return err
		}
	}
	return nil
}

func (ib *inbox) handleUndo(senderActor *dal.Actor, bodyBytes []byte) (reqProblem string, err error) {

	ib.logger.Infof("Handling Undo activity from %s", senderActor.Url)

	var actUndo dto.ActivityIn[dto.ActivityInBase]
	if jsonErr := json.Unmarshal(bodyBytes, &actUndo); jsonErr != nil {
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}

	var edgeKind string
	switch actUndo.Object.Type {
	case "Follow":
		edgeKind = dal.EdgeFollow
	case "Like":
		edgeKind = dal.EdgeLike
	case "Announce":
		edgeKind = dal.EdgeAnnounce
	default:
		ib.logger.Infof("Ignoring Undo of type %s: %s", actUndo.Object.Type, actUndo.Id)
		return "", nil
	}

	var actUndoInner dto.ActivityIn[dto.ActivityIn[string]]
	if jsonErr := json.Unmarshal(bodyBytes, &actUndoInner); jsonErr != nil {
		return fmt.Sprintf("Invalid JSON: %v", jsonErr), nil
	}
	inner := actUndoInner.Object
	if inner.Actor != senderActor.Url {
		return fmt.Sprintf("Undo actor %s does not match inner actor %s", senderActor.Url, inner.Actor), nil
	}
	if inner.Object == "" {
		return "Undo inner activity lacks object", nil
	}

	// Removing an edge that was never stored is a no-op, same as
	// removing it twice.
	err = ib.repo.RemoveEdge(edgeKind, senderActor.Url, inner.Object)
	return "", err
}
