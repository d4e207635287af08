package grpc

import (
	"context"

	"metachat/messaging-service/internal/models"
	"metachat/messaging-service/internal/service"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	pb "github.com/kegazani/metachat-proto/chat"
)

// ChatServer exposes the messaging core to other services. Callers are
// trusted and name the acting user in each request; every write still goes
// through the chat service so live fan-out happens.
type ChatServer struct {
	pb.UnimplementedChatServiceServer
	service service.ChatService
	logger  *logrus.Logger
}

func NewChatServer(svc service.ChatService, logger *logrus.Logger) *ChatServer {
	return &ChatServer{
		service: svc,
		logger:  logger,
	}
}

func (s *ChatServer) CreateChat(ctx context.Context, req *pb.CreateChatRequest) (*pb.CreateChatResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"user_id1": req.UserId1,
		"user_id2": req.UserId2,
	}).Info("Creating chat via gRPC")

	summary, err := s.service.CreateOrGetConversation(ctx, req.UserId1, req.UserId2)
	if err != nil {
		return nil, s.toStatus(err, "failed to create chat")
	}

	return &pb.CreateChatResponse{
		Chat: summaryToProto(summary),
	}, nil
}

func (s *ChatServer) GetChat(ctx context.Context, req *pb.GetChatRequest) (*pb.GetChatResponse, error) {
	s.logger.WithField("conversation_id", req.ChatId).Debug("Getting chat via gRPC")

	chat, err := s.service.GetChat(ctx, req.ChatId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat")
	}

	return &pb.GetChatResponse{
		Chat: chatToProto(chat),
	}, nil
}

func (s *ChatServer) GetUserChats(ctx context.Context, req *pb.GetUserChatsRequest) (*pb.GetUserChatsResponse, error) {
	s.logger.WithField("user_id", req.UserId).Debug("Getting user chats via gRPC")

	summaries, err := s.service.ListConversations(ctx, req.UserId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get user chats")
	}

	protoChats := make([]*pb.Chat, len(summaries))
	for i, c := range summaries {
		protoChats[i] = summaryToProto(c)
	}

	return &pb.GetUserChatsResponse{
		Chats: protoChats,
	}, nil
}

func (s *ChatServer) SendMessage(ctx context.Context, req *pb.SendMessageRequest) (*pb.SendMessageResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"conversation_id": req.ChatId,
		"sender_id":       req.SenderId,
	}).Info("Sending message via gRPC")

	msg, err := s.service.SendMessage(ctx, service.SendMessageInput{
		ConversationID: req.ChatId,
		SenderID:       req.SenderId,
		Content:        req.Content,
	})
	if err != nil {
		return nil, s.toStatus(err, "failed to send message")
	}

	return &pb.SendMessageResponse{
		Message: messageToProto(&msg.Message),
	}, nil
}

func (s *ChatServer) GetChatMessages(ctx context.Context, req *pb.GetChatMessagesRequest) (*pb.GetChatMessagesResponse, error) {
	s.logger.WithField("conversation_id", req.ChatId).Debug("Getting chat messages via gRPC")

	messages, err := s.service.ChatHistory(ctx, req.ChatId, int(req.Limit), req.BeforeMessageId)
	if err != nil {
		return nil, s.toStatus(err, "failed to get chat messages")
	}

	protoMessages := make([]*pb.Message, len(messages))
	for i, m := range messages {
		protoMessages[i] = messageToProto(&m.Message)
	}

	return &pb.GetChatMessagesResponse{
		Messages: protoMessages,
	}, nil
}

func (s *ChatServer) MarkMessagesAsRead(ctx context.Context, req *pb.MarkMessagesAsReadRequest) (*pb.MarkMessagesAsReadResponse, error) {
	s.logger.WithFields(logrus.Fields{
		"conversation_id": req.ChatId,
		"user_id":         req.UserId,
	}).Info("Marking messages as read via gRPC")

	count, err := s.service.MarkRead(ctx, req.ChatId, req.UserId)
	if err != nil {
		return nil, s.toStatus(err, "failed to mark messages as read")
	}

	return &pb.MarkMessagesAsReadResponse{
		MarkedCount: int32(count),
	}, nil
}

func (s *ChatServer) toStatus(err error, msg string) error {
	switch service.Kind(err) {
	case service.KindForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case service.KindNotFound:
		return status.Error(codes.NotFound, err.Error())
	case service.KindValidation:
		return status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.WithError(err).Error(msg)
	return status.Error(codes.Internal, msg)
}

func chatToProto(chat *models.Conversation) *pb.Chat {
	out := &pb.Chat{
		Id:        chat.ID,
		CreatedAt: timestamppb.New(chat.CreatedAt),
		UpdatedAt: timestamppb.New(chat.UpdatedAt),
	}
	if len(chat.Participants) == 2 {
		out.UserId1, out.UserId2 = chat.Participants[0], chat.Participants[1]
	}
	return out
}

func summaryToProto(summary *models.ConversationSummary) *pb.Chat {
	ids := make([]string, len(summary.Participants))
	for i, p := range summary.Participants {
		ids[i] = p.ID
	}
	updated := summary.UpdatedAt
	if summary.LastMessageAt != nil && summary.LastMessageAt.After(updated) {
		updated = *summary.LastMessageAt
	}
	return chatToProto(&models.Conversation{
		ID:           summary.ID,
		Participants: ids,
		CreatedAt:    summary.CreatedAt,
		UpdatedAt:    updated,
	})
}

func messageToProto(msg *models.Message) *pb.Message {
	protoMsg := &pb.Message{
		Id:        msg.ID,
		ChatId:    msg.ConversationID,
		SenderId:  msg.SenderID,
		Content:   msg.Content,
		CreatedAt: timestamppb.New(msg.CreatedAt),
	}

	if msg.ReadAt != nil {
		protoMsg.ReadAt = timestamppb.New(*msg.ReadAt)
	}

	return protoMsg
}
